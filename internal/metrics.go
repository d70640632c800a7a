package internal

import "expvar"

var (
	requestsTotal   = expvar.NewMap("devpulse_requests_total")
	webhookOutcomes = expvar.NewMap("devpulse_webhook_outcomes_total")
	syncRuns        = expvar.NewMap("devpulse_sync_runs_total")
	publishErrors   = expvar.NewMap("devpulse_publish_errors_total")
)

func IncRequest(route string) {
	requestsTotal.Add(route, 1)
}

func IncWebhookOutcome(outcome string) {
	webhookOutcomes.Add(outcome, 1)
}

func IncSyncRun(result string) {
	syncRuns.Add(result, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}
