package endpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dialCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_endpoint_dial_total",
	Help: "counter of outbound connection attempts made by the endpoint",
}, []string{"status"})

var listenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_endpoint_listen_total",
	Help: "counter of listener accept events processed by the endpoint",
}, []string{"status"})

var substreamOpenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_endpoint_substream_open_total",
	Help: "counter of outbound substream open attempts, labeled by negotiated protocol and status",
}, []string{"protocol", "status"})

var substreamAcceptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_endpoint_substream_accept_total",
	Help: "counter of inbound substreams accepted and dispatched, labeled by negotiated protocol and status",
}, []string{"protocol", "status"})

var connectedPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cfd_endpoint_connected_peers",
	Help: "current number of peers in the Connected state",
})

var listenAddressesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cfd_endpoint_listen_addresses",
	Help: "current number of addresses the endpoint is listening on",
})
