package activity

// ShareFor returns ceil(total / max(divisor, 1)) in minor currency units.
func ShareFor(total int64, divisor int) int64 {
	d := int64(divisor)
	if d < 1 {
		d = 1
	}
	if total <= 0 {
		return 0
	}
	return (total + d - 1) / d
}

// Divisor selects the share divisor for a stage. Before hard lock it is the
// joined count, or minParticipants when nobody joined yet. From hard lock on
// it is the paid count, which may be zero; callers must treat zero as an
// inconsistent settlement rather than defaulting it.
func Divisor(stage Stage, joined, paid, minParticipants int) int {
	if StageIndex(stage) >= StageIndex(StageHardLocked) {
		return paid
	}
	if joined == 0 {
		if minParticipants > joined {
			return minParticipants
		}
		return 1
	}
	return joined
}
