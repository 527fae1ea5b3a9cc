package runner

import (
	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/hive/comm"
)

// assignment is one (probe, target) pair of one test.
type assignment struct {
	test   *Test
	slot   uint8
	socket hive.TargetSocket
	target hive.TargetState
}

// wave maps worker index to its assignment for one rendezvous round; a nil
// entry idles at the barriers.
type wave []*assignment

// buildWaves computes the full run schedule: for each test in declared
// order, the cross-product of Known probes with eligible Known targets,
// packed into waves where each worker and each target appears at most once.
// Workers pick up targets in socket order, so the packing is deterministic.
func buildWaves(tests []Test, init *comm.InitPayload, slots []uint8) []wave {
	slotIndex := make(map[uint8]int, len(slots))
	for i, s := range slots {
		slotIndex[s] = i
	}

	var waves []wave
	for ti := range tests {
		test := &tests[ti]

		var targets []hive.TargetSocket
		for tss := range init.Targets {
			for pos := range init.Targets[tss] {
				a := init.Targets[tss][pos]
				if a.State != hive.StateKnown {
					continue
				}
				if !test.supportsArch(a.Target.Arch) || !test.matchesTarget(a.Target.Name) {
					continue
				}
				targets = append(targets, hive.TargetSocket{TSS: uint8(tss), Pos: uint8(pos)})
			}
		}
		if len(targets) == 0 {
			continue
		}

		// All pairs, targets outermost so a wave walks sockets in
		// order.
		type pending struct {
			slot   uint8
			socket hive.TargetSocket
		}
		var remaining []pending
		for _, socket := range targets {
			for _, slot := range slots {
				remaining = append(remaining, pending{slot: slot, socket: socket})
			}
		}

		for len(remaining) > 0 {
			w := make(wave, len(slots))
			usedSocket := make(map[hive.TargetSocket]bool)
			var next []pending
			for _, p := range remaining {
				idx := slotIndex[p.slot]
				if w[idx] != nil || usedSocket[p.socket] {
					next = append(next, p)
					continue
				}
				usedSocket[p.socket] = true
				w[idx] = &assignment{
					test:   test,
					slot:   p.slot,
					socket: p.socket,
					target: init.Targets[p.socket.TSS][p.socket.Pos].Target,
				}
			}
			waves = append(waves, w)
			remaining = next
		}
	}
	return waves
}
