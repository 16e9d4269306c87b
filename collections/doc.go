/*
Package collections holds the application records replicated by bondberry:
evidence, relationships and partner invites.

Each record kind lives in its own storage.Store driven by its own consensus
engine, so the three collections commit independently.

# Evidence

Evidence belongs to a relationship and is keyed "<relationship>:<id>", so a
relationship's timeline is a prefix scan. Only a partner of the relationship
may upload evidence, and only the uploader may delete it.

# Invites

An invite is created pending with an expiry. Accepting it marks it accepted
and creates an active relationship between inviter and accepter. A node
cannot accept its own invite.
*/
package collections
