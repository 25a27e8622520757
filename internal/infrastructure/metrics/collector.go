package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/orchestrator"
)

// statsCollector turns Stats snapshots into const metrics at scrape time.
type statsCollector struct {
	orch func() orchestrator.Stats
	disp func() dispatcher.Stats

	messagesReceived  *prometheus.Desc
	messagesSent      *prometheus.Desc
	duplicatesDropped *prometheus.Desc
	messagesDropped   *prometheus.Desc
	connects          *prometheus.Desc
	reconnects        *prometheus.Desc
	lastMessage       *prometheus.Desc

	polls       *prometheus.Desc
	pollErrors  *prometheus.Desc
	writeEvents *prometheus.Desc
}

func newStatsCollector(orch func() orchestrator.Stats, disp func() dispatcher.Stats) *statsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &statsCollector{
		orch:              orch,
		disp:              disp,
		messagesReceived:  desc("stream_messages_received_total", "Messages received from the broker."),
		messagesSent:      desc("stream_messages_sent_total", "Messages published to the broker."),
		duplicatesDropped: desc("stream_duplicates_dropped_total", "Inbound messages dropped as duplicates."),
		messagesDropped:   desc("stream_messages_dropped_total", "Inbound messages dropped because the handler lagged."),
		connects:          desc("stream_connects_total", "Verified broker connections."),
		reconnects:        desc("stream_reconnects_total", "Reconnect attempts after a failure."),
		lastMessage:       desc("stream_last_message_timestamp_seconds", "Unix time of the last inbound message."),
		polls:             desc("polls_sent_total", "Read requests sent to devices."),
		pollErrors:        desc("poll_errors_total", "Read requests that could not be sent."),
		writeEvents:       desc("dispatcher_writes_total", "Dispatcher write events, by event.", "event"),
	}
}

// Describe implements prometheus.Collector.
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.messagesReceived, c.messagesSent, c.duplicatesDropped, c.messagesDropped,
		c.connects, c.reconnects, c.lastMessage, c.polls, c.pollErrors, c.writeEvents,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if c.orch != nil {
		s := c.orch()
		counter(c.messagesReceived, s.MessagesReceived)
		counter(c.messagesSent, s.MessagesSent)
		counter(c.duplicatesDropped, s.DuplicatesDropped)
		counter(c.messagesDropped, s.MessagesDropped)
		counter(c.connects, s.Connects)
		counter(c.reconnects, s.Reconnects)
		if !s.LastMessageAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastMessage, prometheus.GaugeValue, float64(s.LastMessageAt.Unix()))
		}
	}

	if c.disp != nil {
		s := c.disp()
		counter(c.polls, s.PollsSent)
		counter(c.pollErrors, s.PollErrors)
		counter(c.writeEvents, s.WritesSubmitted, "submitted")
		counter(c.writeEvents, s.WritesAcked, "acknowledged")
		counter(c.writeEvents, s.WritesTimedOut, "timed_out")
		counter(c.writeEvents, s.WritesSuperseded, "superseded")
		counter(c.writeEvents, s.WritesFailed, "failed")
		counter(c.writeEvents, s.WritesCancelled, "cancelled")
	}
}
