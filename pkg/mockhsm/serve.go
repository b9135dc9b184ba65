package mockhsm

import (
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/backkem/yubihsm/pkg/transport"
)

// ServeConn answers messages read from conn until it is closed.
// Each Read must return exactly one message, as the endpoints of a
// transport.Pipe do. Returns nil when conn reaches EOF.
func (h *HSM) ServeConn(conn net.Conn) error {
	buf := make([]byte, message.MaxMessageSize+1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		var rsp []byte
		if n > message.MaxMessageSize {
			rsp = errorResponse(message.ErrorWrongLength)
		} else {
			rsp = h.Handle(buf[:n])
		}

		if _, err := conn.Write(rsp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Handler returns an http.Handler emulating yubihsm-connector:
// POST /connector/api carries one message and GET /connector/status
// reports the simulated device.
func (h *HSM) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connector/api", h.serveAPI)
	mux.HandleFunc("GET /connector/status", h.serveStatus)
	return mux
}

func (h *HSM) serveAPI(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, message.MaxMessageSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > message.MaxMessageSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	if h.log != nil {
		h.log.Tracef("HTTP request uuid=%s len=%d", r.Header.Get(transport.RequestIDHeader), len(body))
	}

	rsp := h.Handle(body)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(rsp)
}

func (h *HSM) serveStatus(w http.ResponseWriter, r *http.Request) {
	status := transport.ConnectorStatus{
		Status:  "OK",
		Serial:  transport.SerialNumber(h.serial).String(),
		Version: "mockhsm",
		PID:     os.Getpid(),
	}
	if host, port, err := net.SplitHostPort(r.Host); err == nil {
		status.Address = host
		status.Port, _ = strconv.Atoi(port)
	}

	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, status.String())
}
