package status

import (
	"net/http"

	"github.com/usbdfu/dfud-go/core"
	"github.com/usbdfu/dfud-go/memorywriter"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

// This package serves the status page on /status/ and the
// log file at /status/log.gz with the detailed log

type status struct {
	core                                *core.Core
	version                             string
	shortMemoryWriter, longMemoryWriter *memorywriter.MemoryWriter
}

const csrfkey = "wq83k1h5pdz7f0rnyc84vhs59j2l6xba"

func ServeStatusRedirect(r *mux.Router) {
	r.HandleFunc("/", redirect)
	r.Use(OriginCheck(map[string]string{
		"": "",
	}))
}

func redirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "http://127.0.0.1:21327/status/", http.StatusMovedPermanently)
}

func ServeStatus(r *mux.Router, c *core.Core, v string, mw, dmw *memorywriter.MemoryWriter) {
	status := &status{
		core:              c,
		version:           v,
		shortMemoryWriter: mw,
		longMemoryWriter:  dmw,
	}
	r.Methods("GET").Path("/").HandlerFunc(status.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(status.statusGzip)

	r.Use(csrf.Protect([]byte(csrfkey), csrf.Secure(false)))
	r.Use(OriginCheck(map[string]string{
		"/status/":       "",
		"/status/log.gz": "http://127.0.0.1:21327",
	}))
}

func (s *status) Log(str string) {
	s.longMemoryWriter.Println("status - " + str)
}

func (s *status) statusGzip(w http.ResponseWriter, r *http.Request) {
	s.Log("building gzip")

	start := s.version + "\n\nCurrent log:\n"

	gzip, err := s.longMemoryWriter.Gzip(start)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")

	_, err = w.Write(gzip)
	if err != nil {
		respondError(w, err)
		return
	}
}

func (s *status) statusPage(w http.ResponseWriter, r *http.Request) {
	s.Log("building status page")

	sessions := s.core.Sessions()

	log, err := s.shortMemoryWriter.String(s.version + "\n")
	if err != nil {
		respondError(w, err)
		return
	}

	data := &statusTemplateData{
		Version:      s.version,
		Sessions:     sessions,
		SessionCount: len(sessions),
		Log:          log,
		CSRFField:    csrf.TemplateField(r),
	}

	err = statusTemplate.Execute(w, data)
	if err != nil {
		respondError(w, err)
		return
	}
}

func respondError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
