package telemetry

// DetectInterruptions flags every bot turn that overlaps a user turn.
//
// Turns are sorted by start offset first. For each bot turn, user turns are
// scanned in sorted order and the first strict overlap
// (agentStart < userEnd && agentEnd > userStart) produces one record; the
// scan then moves on to the next bot turn. Turns that only touch do not
// overlap.
//
// The reported duration runs from the overlap start to the end of the bot
// turn, not to the end of the overlapping region. When the bot keeps
// talking past the end of the user turn this is longer than the true
// overlap. Stored interruption percentiles depend on this definition, so
// it must not be narrowed to min(agentEnd, userEnd) without migrating them.
func DetectInterruptions(turns []Turn) []Interruption {
	sorted := sortedCopy(turns)
	interruptions := []Interruption{}

	for _, agent := range sorted {
		if agent.Role != RoleBot {
			continue
		}
		agentStart := agent.SecondsFromStart
		agentEnd := agent.End()

		for _, user := range sorted {
			if user.Role != RoleUser {
				continue
			}
			userStart := user.SecondsFromStart
			userEnd := user.End()

			if agentStart < userEnd && agentEnd > userStart {
				overlapStart := max(agentStart, userStart)
				interruptions = append(interruptions, Interruption{
					SecondsFromStart: overlapStart,
					Duration:         agentEnd - overlapStart,
				})
				break
			}
		}
	}

	return interruptions
}
