package telemetry

// ComputeLatencyBlocks measures the silence after every user turn that is
// immediately followed, in start order, by a bot turn. Any other adjacent
// pair is skipped. Gaps of zero or less (abutting or overlapping turns) are
// dropped rather than clamped.
func ComputeLatencyBlocks(turns []Turn) []LatencyBlock {
	sorted := sortedCopy(turns)
	blocks := []LatencyBlock{}

	for i := 0; i+1 < len(sorted); i++ {
		cur, next := sorted[i], sorted[i+1]
		if cur.Role != RoleUser || next.Role != RoleBot {
			continue
		}

		latencyStart := cur.End()
		latencyEnd := next.SecondsFromStart
		if latencyEnd > latencyStart {
			blocks = append(blocks, LatencyBlock{
				SecondsFromStart: latencyStart,
				Duration:         latencyEnd - latencyStart,
			})
		}
	}

	return blocks
}
