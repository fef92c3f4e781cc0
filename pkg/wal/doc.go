// Package wal implements the worker-local write-ahead log of task states.
//
// Every chain worker records a task in its WAL before acknowledging the broker.
// The log is an embedded SQLite file opened in WAL journal mode with a single
// writer connection. On start-up Recover fails tasks that were left in flight
// for longer than the stuck timeout, and a Reconciler copies terminal rows to
// the system of record in the background, marking them synced on success.
//
// Basic usage:
//
//	w, err := wal.Open("/var/lib/ecoscan/worker-1.db", wal.WithWorkerName("worker-1"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, _ := w.Recover(ctx, time.Hour)
//	rec := wal.NewReconciler(w, store.SyncFromWAL)
//	go rec.Start(ctx)
package wal
