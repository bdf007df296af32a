package hash

import "strconv"

// KeysForSlot returns up to n keys of the form prefix-<i> that hash to slot,
// scanning i upward from zero.
func KeysForSlot(slot uint16, n int, prefix string) []string {
	keys := make([]string, 0, n)
	limit := n * SlotCount * 16
	for i := 0; i < limit && len(keys) < n; i++ {
		key := prefix + "-" + strconv.Itoa(i)
		if KeySlot(key) == slot {
			keys = append(keys, key)
		}
	}
	return keys
}
