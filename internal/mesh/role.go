package mesh

// PoliteTowards reports whether the local participant holds the polite
// role toward remote. The polite side of a pair proactively sends
// offers; the impolite side answers and, in a collision, yields to the
// polite side's offer. The rule is a plain lexicographic comparison so
// both ends reach the same answer with no communication: the smaller
// identity is polite.
func PoliteTowards(local, remote string) bool {
	return local < remote
}
