// Package telemetry feeds device telemetry into the registry and exports
// scheduler state.
//
// Inputs: StaticSource (configured inventory), HTTPSource (pull from a
// monitoring service), MQTTSubscriber (push over MQTT). Poller drives a Source
// on an interval. Output: InfluxSink writes device snapshots and task events
// to InfluxDB.
package telemetry
