// Package channel resolves navigation targets to stable channel ids.
package channel

// ForHouse resolves a house target. The house id is the channel id.
func ForHouse(houseID string) string {
	return houseID
}

// ForDirect resolves a direct-message pair to a room id that is the same
// no matter which participant asks: the two ids sorted lexicographically
// and joined with a fixed separator.
func ForDirect(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "_dm_" + userB
}
