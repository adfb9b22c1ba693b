// Package ingress accepts long-lived sensor connections and parses
// their pipe-delimited reports into the sensor registry.
package ingress

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fusiontrack/internal/obslog"
	"fusiontrack/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener accepts sensor-module connections on a bind address and
// writes parsed reports into reg. Each connection is handled on its
// own goroutine for its lifetime; a read error or malformed message
// never takes down the listener.
type Listener struct {
	addr string
	reg  *registry.Registry
	log  zerolog.Logger

	server *http.Server
}

// New builds a listener bound to addr (host:port) that feeds reg.
func New(addr string, reg *registry.Registry) *Listener {
	return &Listener{addr: addr, reg: reg, log: obslog.For("ingress")}
}

// Listen binds the listener's address and returns once the bind has
// succeeded or failed. A bind failure is a configuration error: the
// caller gets it synchronously and is expected to treat it as fatal
// at startup rather than discovering it later from a goroutine.
func (l *Listener) Listen() (net.Listener, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.server = &http.Server{Addr: l.addr, Handler: mux}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Serve runs the accept loop on ln until it is closed. Call Listen
// first and check its error; Serve itself only returns once the
// listener is closed (e.g. on shutdown), which is not a startup
// failure.
func (l *Listener) Serve(ln net.Listener) error {
	l.log.Info().Str("addr", l.addr).Msg("ingress listener starting")
	return l.server.Serve(ln)
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	connID := uuid.New().String()
	l.log.Debug().Str("conn", connID).Msg("sensor connection accepted")
	go l.serve(connID, conn)
}

func (l *Listener) serve(connID string, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.log.Debug().Str("conn", connID).Err(err).Msg("sensor connection closed")
			return
		}
		report, ok := parseReport(string(data))
		if !ok {
			l.log.Debug().Str("conn", connID).Str("raw", string(data)).Msg("malformed ingress message dropped")
			continue
		}
		report.ReceivedAt = time.Now()
		l.reg.Insert(report)
	}
}

// parseReport splits a message on '|' into exactly six fields:
// identity|addr|lat|lon|is_source|range_m
func parseReport(text string) (registry.Report, bool) {
	fields := strings.Split(text, "|")
	if len(fields) != 6 {
		return registry.Report{}, false
	}

	lat, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return registry.Report{}, false
	}
	lon, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return registry.Report{}, false
	}
	var isSource bool
	switch fields[4] {
	case "true":
		isSource = true
	case "false":
		isSource = false
	default:
		return registry.Report{}, false
	}
	rangeM, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return registry.Report{}, false
	}

	return registry.Report{
		Identity:       fields[0],
		Addr:           fields[1],
		Lat:            lat,
		Lon:            lon,
		IsTargetSource: isSource,
		RangeM:         rangeM,
	}, true
}
