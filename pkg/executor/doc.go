// Package executor runs pipeline nodes and task stages under a per-node policy.
//
// Each node gets a hard per-attempt timeout, bounded retries with exponential backoff
// and jitter, a sliding-window circuit breaker and a failure mode that tells the caller
// whether to continue (FAIL_OPEN) or stop (FAIL_CLOSED).
//
//	e := executor.New(executor.DefaultPolicies())
//	res, out, err := executor.Run(ctx, e, "vision", func(ctx context.Context) (Result, error) {
//	    return model.Classify(ctx, imageURL)
//	})
//	if err != nil && out.Mode == executor.FailClosed {
//	    return err
//	}
//
// Policies can be loaded from YAML with LoadPolicies.
package executor
