// Package evidence detects Byzantine behavior in consensus traffic and keeps
// the resulting evidence.
//
// # Detection
//
// Detector inspects each authenticated message before it enters the
// engine's log. The checks run in a fixed order and the first match wins:
//
//  1. Equivocation: an earlier logged message with the same
//     (sender, view, sequence, type) but a different data hash
//  2. Flooding: more than FloodThreshold logged messages from the sender
//     within FloodWindow
//  3. Invalid ordering: a view or sequence more than one ahead of the
//     receiver's
//
// Only messages passed to Record count toward flooding and equivocation,
// so a rejected message never contributes to a later finding.
//
// # Evidence
//
// Evidence names the offending node, the behavior, a free-form detail and
// the messages that prove it. Equivocation evidence carries both
// conflicting messages and can be checked independently with
// VerifyEquivocation:
//
//	if err := evidence.VerifyEquivocation(ev, registry); err != nil {
//	    // reject the report
//	}
//
// # Pool
//
// Pool retains evidence for auditing. Duplicate reports of the same
// offence are refused with ErrDuplicateEvidence. Records older than MaxAge
// are dropped on Update, and the pool never holds more than MaxEvidence.
//
// # Thread Safety
//
// Detector and Pool are safe for concurrent use.
package evidence
