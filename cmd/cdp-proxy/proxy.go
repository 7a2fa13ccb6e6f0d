package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chromedp/devtools"
)

const (
	incomingBufferSize = 10 * 1024 * 1024
	outgoingBufferSize = 25 * 1024 * 1024
)

var wsUpgrader = &websocket.Upgrader{
	ReadBufferSize:  incomingBufferSize,
	WriteBufferSize: outgoingBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var wsDialer = &websocket.Dialer{
	ReadBufferSize:  outgoingBufferSize,
	WriteBufferSize: incomingBufferSize,
}

// proxy forwards the HTTP discovery API and the /devtools/ websockets of
// the browser at remote.
type proxy struct {
	remote string
	log    *logrus.Logger
	mux    *http.ServeMux
}

func newProxy(remote string, log *logrus.Logger) *proxy {
	p := &proxy{
		remote: remote,
		log:    log,
		mux:    http.NewServeMux(),
	}
	simplep := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: "http", Host: remote})
	p.mux.Handle("/", simplep)
	p.mux.HandleFunc("/devtools/", p.serveWS)
	return p
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

func (p *proxy) serveWS(w http.ResponseWriter, r *http.Request) {
	logger := p.log.WithFields(logrus.Fields{
		"conn": r.RemoteAddr,
		"path": r.URL.Path,
	})
	logger.Info("---------- connected ----------")

	endpoint := "ws://" + p.remote + r.URL.Path
	out, pres, err := wsDialer.Dial(endpoint, nil)
	if err != nil {
		logger.WithError(err).Errorf("could not connect to %s", endpoint)
		http.Error(w, "could not connect to "+endpoint, http.StatusBadGateway)
		return
	}
	defer pres.Body.Close()
	defer out.Close()

	in, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Error("could not upgrade websocket")
		return
	}
	defer in.Close()

	errc := make(chan error, 2)
	go p.pipe(logger, "->", in, out, errc)
	go p.pipe(logger, "<-", out, in, errc)
	err = <-errc
	logger.WithError(err).Info("---------- closing ----------")
}

func (p *proxy) pipe(logger *logrus.Entry, dir string, src, dst *websocket.Conn, errc chan<- error) {
	for {
		mt, buf, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		logFrame(logger, dir, mt, buf)
		if err := dst.WriteMessage(mt, buf); err != nil {
			errc <- err
			return
		}
	}
}

// frameKind classifies a decoded frame.
func frameKind(msg *devtools.Message) string {
	switch {
	case msg.IsCommand():
		return "command"
	case msg.IsResponse():
		return "response"
	}
	return "event"
}

func logFrame(logger *logrus.Entry, dir string, mt int, buf []byte) {
	if mt != websocket.TextMessage {
		logger.WithField("dir", dir).Warnf("non-text message of %d bytes", len(buf))
		return
	}
	msg, err := devtools.Decode(buf)
	if err != nil {
		logger.WithField("dir", dir).WithError(err).Warn("undecodable frame")
		return
	}
	fields := logrus.Fields{
		"dir":  dir,
		"kind": frameKind(msg),
	}
	if msg.ID != 0 {
		fields["id"] = msg.ID
	}
	if msg.Method != "" {
		fields["method"] = msg.Method
	}
	if msg.Error != nil {
		fields["error"] = msg.Error.Error()
	}
	logger.WithFields(fields).Debugf("%s %s", dir, buf)
}
