// Package reconcile keeps a client-side mirror of one user's bookmark
// collection correct while two independent sources change it.
//
// Local actions are applied optimistically: a create shows a provisional
// record under a placeholder ID right away and a delete hides the record
// right away, while the gateway call runs in the background. The change feed
// later announces the same mutations (and those made by other clients), at
// least once and in no particular order.
//
// The engine converges both sources onto a single view with two rules:
//
//   - create wins once: a record ID enters the view at most once, whether the
//     gateway response or the feed event arrives first;
//   - delete wins once: after a deletion is observed, late creates for that
//     ID and late gateway failures cannot bring the record back.
//
// Failed mutations are rolled back and reported through the Mutation handle
// returned by OptimisticCreate and OptimisticDelete.
//
// Basic usage:
//
//	eng, err := reconcile.New(&reconcile.Config{
//	    Gateway: client,
//	    Session: reconcile.StaticSession(userID),
//	})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	eng.Initialize(snapshot)
//	m, err := eng.OptimisticCreate("Docs", "https://docs.example.com")
package reconcile
