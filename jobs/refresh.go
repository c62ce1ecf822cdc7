// Background maintenance. Buckets that see no traffic go stale, so this
// job periodically looks up a random ID plus our own, which touches a
// spread of buckets and re-verifies the neighbourhood.

package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kades/kades/dht"
)

const RefreshFrequency = time.Minute * 2

// Lookuper is the slice of a node the refresh job drives.
type Lookuper interface {
	Self() dht.Contact
	FindContact(ctx context.Context, id dht.ID) ([]dht.Contact, *dht.Contact, error)
}

// RefreshJob starts the periodic refresh and returns a channel that stops
// it when closed.
func RefreshJob(node Lookuper, bits int, every time.Duration) chan struct{} {
	quit := make(chan struct{})
	ticker := time.NewTicker(every)

	go func() {
		for {
			select {
			case <-ticker.C:
				refreshTick(node, bits)
			case <-quit:
				ticker.Stop()
				return
			}
		}
	}()

	return quit
}

func refreshTick(node Lookuper, bits int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	target, err := dht.RandomID(bits)

	if err != nil {
		log.Error("Refresh failed to draw a target: ", err.Error())
		return
	}

	log.WithField("target", target.String()).Debug("Refreshing buckets")

	_, _, err = node.FindContact(ctx, target)

	if err != nil {
		log.Debug("Refresh lookup failed: ", err.Error())
	}

	_, _, err = node.FindContact(ctx, node.Self().ID)

	if err != nil {
		log.Debug("Self lookup failed: ", err.Error())
	}
}
