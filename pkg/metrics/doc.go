/*
Package metrics provides Prometheus metrics and timers for imagegend.

All metrics register against the default registry at package init and are
exposed through promhttp. Gauges that mirror store contents (task counts
by status) are refreshed by the Collector; everything else is pushed at
the call site.

# Metric Categories

	Tasks:     imagegend_tasks_total{status}
	Workers:   imagegend_queue_depth, imagegend_workers_busy
	Providers: imagegend_provider_request_duration_seconds{provider},
	           imagegend_provider_retries_total{provider},
	           imagegend_images_produced_total{provider,status}
	Storage:   imagegend_storage_bytes_written_total
	Bus:       imagegend_events_dropped_total
	API:       imagegend_api_requests_total{method,status},
	           imagegend_api_request_duration_seconds{method}

# Timers

Timer wraps a start timestamp for histogram observations:

	timer := metrics.NewTimer()
	result, err := provider.Generate(ctx, params)
	timer.ObserveDurationVec(metrics.ProviderRequestDuration, provider.Name())
*/
package metrics
