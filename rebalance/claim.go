package rebalance

import (
	"github.com/bsm/poseidon-cluster/coordinator"
)

// claimLocked implements spec §4.5.1: attempt an ephemeral create; on
// success, construct the partition consumer; on node-exists, register a
// watch and retry on deletion; on a registration-time race where the node
// already vanished, unsubscribe and retry immediately. Idempotent: a
// partition already in the claimed set returns without effect. Caller
// holds the group lock throughout (including the retry callback).
func (r *Rebalancer) claimLocked(id int32) error {
	if _, ok := r.byID[id]; ok {
		return nil
	}

	ownerPath := r.ownerPath(id)
	err := r.coord.Create(ownerPath, []byte(r.selfID), true)
	if err == nil {
		consumer, cerr := r.newConsumer(id)
		if cerr != nil {
			// Fatal configuration error constructing the consumer (e.g.
			// unknown partition leader, spec §7): release the claim we
			// just took so another member can pick it up.
			_ = r.coord.Delete(ownerPath, true)
			return cerr
		}
		r.addLocked(id, consumer)
		return nil
	}
	if !coordinator.IsNodeExists(err) {
		return err
	}

	return r.watchAndRetryClaim(id, ownerPath)
}

func (r *Rebalancer) watchAndRetryClaim(id int32, ownerPath string) error {
	var sub *coordinator.Subscription
	sub = r.coord.Register(ownerPath, func(ev coordinator.Event) {
		if !ev.NodeDeleted {
			return
		}
		sub.Unsubscribe()

		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.claimLocked(id); err != nil {
			r.logf("retry claim partition %d: %v", id, err)
		} else {
			r.logf("claimed partition %d on retry", id)
		}
	})

	exists, _, err := r.coord.Exists(ownerPath, false)
	if err != nil {
		sub.Unsubscribe()
		return err
	}
	if !exists {
		// Race: the owner node disappeared between our failed create and
		// registering the watch. Unsubscribe and retry immediately
		// (spec §4.5.1).
		sub.Unsubscribe()
		return r.claimLocked(id)
	}
	return nil
}
