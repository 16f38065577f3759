// Package fetch caches rbac.Backend reads and fans out keyed invalidations.
//
// Reads are keyed "access:<clinic>:<user>" and "template:<clinic>:<role>".
// Concurrent misses for the same key share one backend call:
//
//	cache := fetch.New(store, fetch.WithMetrics(metrics))
//	access, err := cache.Access(ctx, clinicID, userID)
//
// Writers call Invalidate only after the backend acknowledged the write.
// Subscribers run synchronously before Invalidate returns, so a Provider
// listening for its own keys has re-resolved by then:
//
//	unsubscribe := cache.Subscribe(func(ctx context.Context, ev fetch.Event) {
//		if ev.Matches(fetch.AccessKey(clinicID, userID)) {
//			// re-resolve
//		}
//	})
//
// # Cross-Process Invalidation
//
// RedisBus publishes local invalidations on a pub/sub channel and applies
// events from other processes with ApplyRemote, which never re-publishes:
//
//	bus := fetch.NewRedisBus(redisClient, fetch.DefaultChannel, logger)
//	cache := fetch.New(store, fetch.WithPublisher(bus))
//	if err := bus.Listen(ctx, cache); err != nil {
//		return err
//	}
//	defer bus.Close()
package fetch
