package types

// MerkleRoot computes the Merkle root of leaves.
//
// An empty input yields an empty root and a single leaf is its own root.
// Otherwise levels are paired bottom-up with sha256(left || right), and the
// last node of an odd level is paired with itself.
func MerkleRoot(leaves []Hash) Hash {
	root, _ := MerkleProofs(leaves)
	return root
}

// MerkleProofs computes the Merkle root together with the sibling path of
// every leaf. proofs[i] verifies leaves[i] at index i via VerifyMerkleProof.
func MerkleProofs(leaves []Hash) (Hash, [][]Hash) {
	n := len(leaves)
	if n == 0 {
		return nil, nil
	}
	if n == 1 {
		return leaves[0].Copy(), [][]Hash{{}}
	}

	proofs := make([][]Hash, n)
	for i := range proofs {
		proofs[i] = make([]Hash, 0)
	}

	level := make([]Hash, n)
	for i, h := range leaves {
		level[i] = h.Copy()
	}

	// members[i] lists the original leaf indices under node i of the level
	members := make([][]int, n)
	for i := range members {
		members[i] = []int{i}
	}

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		nextMembers := make([][]int, 0, (len(level)+1)/2)

		for i := 0; i < len(level); i += 2 {
			left := level[i]
			leftMembers := members[i]

			right := left
			var rightMembers []int
			if i+1 < len(level) {
				right = level[i+1]
				rightMembers = members[i+1]
			}

			for _, idx := range leftMembers {
				proofs[idx] = append(proofs[idx], right)
			}
			for _, idx := range rightMembers {
				proofs[idx] = append(proofs[idx], left)
			}

			next = append(next, HashConcat(left, right))

			merged := make([]int, 0, len(leftMembers)+len(rightMembers))
			merged = append(merged, leftMembers...)
			merged = append(merged, rightMembers...)
			nextMembers = append(nextMembers, merged)
		}

		level = next
		members = nextMembers
	}

	return level[0], proofs
}

// VerifyMerkleProof folds proof into leaf and reports whether the result
// equals root. At each level an even index means the running hash is the
// left operand; the index is halved after every step.
func VerifyMerkleProof(leaf Hash, proof []Hash, root Hash, index int) bool {
	if index < 0 {
		return false
	}
	if len(proof) == 0 {
		return !IsHashEmpty(leaf) && HashEqual(leaf, root)
	}

	current := leaf
	idx := index
	for _, sibling := range proof {
		if idx%2 == 0 {
			current = HashConcat(current, sibling)
		} else {
			current = HashConcat(sibling, current)
		}
		idx /= 2
	}
	return HashEqual(current, root)
}
