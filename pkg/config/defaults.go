package config

import "time"

// applyDefaults fills in zero-valued fields with the system defaults: a
// built-in defaults overlay on top of user config, scaled down to the
// handful of tunables this system actually has.
func applyDefaults(c *Config) {
	if c.Store.SSLMode == "" {
		c.Store.SSLMode = "disable"
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 10
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = 5
	}
	if c.Store.ConnLifetime == 0 {
		c.Store.ConnLifetime = 30 * time.Minute
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendOther
	}

	if c.Timeouts.GraphTurn == 0 {
		c.Timeouts.GraphTurn = 25 * time.Second
	}
	if c.Timeouts.ExtractorPlannedDate == 0 {
		c.Timeouts.ExtractorPlannedDate = 8 * time.Second
	}
	if c.Timeouts.ExtractorConstraint == 0 {
		c.Timeouts.ExtractorConstraint = 10 * time.Second
	}
	if c.Timeouts.ExtractorStageGate == 0 {
		c.Timeouts.ExtractorStageGate = 12 * time.Second
	}
	if c.Timeouts.ExtractorDecision == 0 {
		c.Timeouts.ExtractorDecision = 8 * time.Second
	}
	if c.Timeouts.ExtractorPatch == 0 {
		c.Timeouts.ExtractorPatch = 15 * time.Second
	}
	if c.Timeouts.CalendarRPC == 0 {
		c.Timeouts.CalendarRPC = 6 * time.Second
	}
	if c.Timeouts.DurableQuery == 0 {
		c.Timeouts.DurableQuery = 5 * time.Second
	}
	if c.Timeouts.DurableUpsert == 0 {
		c.Timeouts.DurableUpsert = 5 * time.Second
	}
	if c.Timeouts.PrefetchEnsure == 0 {
		c.Timeouts.PrefetchEnsure = 4 * time.Second
	}
	if c.Timeouts.PrimeOnCommitWait == 0 {
		c.Timeouts.PrimeOnCommitWait = 3 * time.Second
	}

	if c.Concurrency.ConstraintExtraction == 0 {
		c.Concurrency.ConstraintExtraction = 2
	}
	if c.Concurrency.DurablePrefetch == 0 {
		c.Concurrency.DurablePrefetch = 3
	}
	if c.Concurrency.DurableUpsert == 0 {
		c.Concurrency.DurableUpsert = 1
	}

	if c.Reconcile.FuzzyToleranceMinutes == 0 {
		c.Reconcile.FuzzyToleranceMinutes = 10
	}
	if c.Skeleton.FallbackBlockMinutes == 0 {
		c.Skeleton.FallbackBlockMinutes = 30
	}
	if c.Patcher.MaxAttempts == 0 {
		c.Patcher.MaxAttempts = 5
	}
	if c.Patcher.RetryFeedbackBudget == 0 {
		c.Patcher.RetryFeedbackBudget = 2000
	}
	if c.Retriever.MaxTypeIDs == 0 {
		c.Retriever.MaxTypeIDs = 6
	}
	if c.Retriever.QueryLimit == 0 {
		c.Retriever.QueryLimit = 40
	}
	if c.Calendar.OwnedIDPrefix == "" {
		c.Calendar.OwnedIDPrefix = "tb0"
	}
	if c.DebugLogDir == "" {
		c.DebugLogDir = "./debug-logs"
	}

	if c.Retention.SessionIdleTTL == 0 {
		c.Retention.SessionIdleTTL = 24 * time.Hour
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = 15 * time.Minute
	}

	if c.Observer.WriteTimeout == 0 {
		c.Observer.WriteTimeout = 5 * time.Second
	}
}
