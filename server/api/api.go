package api

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/usbdfu/dfud-go/core"
	"github.com/usbdfu/dfud-go/dfu"
	"github.com/usbdfu/dfud-go/memorywriter"
	"github.com/usbdfu/dfud-go/types"

	"github.com/gorilla/mux"
)

// This package serves the actual firmware-update API.
// The protocol logic lives in the core package; here we only convert
// the data from the request and format the reply.

type api struct {
	core    *core.Core
	version string
	logger  *memorywriter.MemoryWriter
}

func ServeAPI(r *mux.Router, c *core.Core, v string, l *memorywriter.MemoryWriter) {
	api := &api{
		core:    c,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/configure", api.Info)
	r.HandleFunc("/sessions", api.Sessions)
	r.HandleFunc("/acquire/{path}", api.Acquire)
	r.HandleFunc("/acquire/{path}/{session}", api.Acquire)
	r.HandleFunc("/release/{session}", api.Release)
	r.HandleFunc("/descriptor/{session}", api.Descriptor)
	r.HandleFunc("/download/{session}", api.Download)
	r.HandleFunc("/upload/{session}", api.Upload)
	r.HandleFunc("/status/{session}", api.Status)
	r.HandleFunc("/state/{session}", api.State)
	r.HandleFunc("/clrstatus/{session}", api.ClearStatus)
	r.HandleFunc("/abort/{session}", api.Abort)
	r.HandleFunc("/detach/{session}", api.Detach)
	r.Use(CORS(corsValidator()))
}

func (a *api) Log(s string) {
	a.logger.Println("api - " + s)
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.Log("version " + a.version)

	err := json.NewEncoder(w).Encode(types.VersionInfo{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Sessions(w http.ResponseWriter, r *http.Request) {
	err := json.NewEncoder(w).Encode(a.core.Sessions())
	a.checkJSONError(w, err)
}

func (a *api) Acquire(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := vars["path"]
	prev := vars["session"]
	if prev == "null" {
		prev = ""
	}
	res, err := a.core.Acquire(path, prev)

	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(types.SessionInfo{
		Session: res,
	})
	a.checkJSONError(w, err)
}

func (a *api) Release(w http.ResponseWriter, r *http.Request) {
	a.Log("release")

	vars := mux.Vars(r)
	session := vars["session"]

	err := a.core.Release(session)

	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) Descriptor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	desc, err := a.core.Descriptor(vars["session"])
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(types.DescriptorInfo{
		Attributes:            uint8(desc.Attributes),
		WillDetach:            desc.Attributes.Has(dfu.WillDetach),
		ManifestationTolerant: desc.Attributes.Has(dfu.ManifestationTolerant),
		CanUpload:             desc.Attributes.Has(dfu.CanUpload),
		CanDownload:           desc.Attributes.Has(dfu.CanDownload),
		DetachTimeout:         desc.DetachTimeout,
		TransferSize:          desc.TransferSize,
		Version:               desc.Version,
	})
	a.checkJSONError(w, err)
}

// Download takes the firmware image as a hex body and writes it to
// the device, blocking until manifestation.
func (a *api) Download(w http.ResponseWriter, r *http.Request) {
	a.Log("download")

	vars := mux.Vars(r)
	session := vars["session"]

	hexbody, err := io.ReadAll(r.Body)
	if err != nil {
		a.respondError(w, err)
		return
	}
	firmware, err := hex.DecodeString(string(hexbody))
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = a.core.Download(r.Context(), session, firmware)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

// Upload reads the firmware image out of the device and returns it
// as a hex string.
func (a *api) Upload(w http.ResponseWriter, r *http.Request) {
	a.Log("upload")

	vars := mux.Vars(r)
	session := vars["session"]

	firmware, err := a.core.Upload(r.Context(), session)
	if err != nil {
		a.respondError(w, err)
		return
	}

	_, err = w.Write([]byte(hex.EncodeToString(firmware)))
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) Status(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ds, err := a.core.Status(vars["session"])
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(types.StatusInfo{
		Status:      uint8(ds.Status),
		StatusName:  ds.Status.String(),
		PollTimeout: ds.PollTimeout,
		State:       uint8(ds.State),
		StateName:   ds.State.String(),
		StringIndex: ds.StringIndex,
	})
	a.checkJSONError(w, err)
}

func (a *api) State(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	state, err := a.core.State(vars["session"])
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(types.StateInfo{
		State:     uint8(state),
		StateName: state.String(),
	})
	a.checkJSONError(w, err)
}

func (a *api) ClearStatus(w http.ResponseWriter, r *http.Request) {
	a.Log("clrstatus")

	vars := mux.Vars(r)
	if err := a.core.ClearStatus(vars["session"]); err != nil {
		a.respondError(w, err)
		return
	}
	err := json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) Abort(w http.ResponseWriter, r *http.Request) {
	a.Log("abort")

	vars := mux.Vars(r)
	if err := a.core.Abort(vars["session"]); err != nil {
		a.respondError(w, err)
		return
	}
	err := json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

// default wDetachTimeOut when the caller does not give one
const defaultDetachTimeout = 1000

func (a *api) Detach(w http.ResponseWriter, r *http.Request) {
	a.Log("detach")

	vars := mux.Vars(r)
	timeout := defaultDetachTimeout
	if t := r.URL.Query().Get("timeout"); t != "" {
		parsed, err := strconv.ParseUint(t, 10, 16)
		if err != nil {
			a.respondError(w, err)
			return
		}
		timeout = int(parsed)
	}

	if err := a.core.Detach(vars["session"], uint16(timeout)); err != nil {
		a.respondError(w, err)
		return
	}
	err := json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

// `localhost:8xxx` and `5xxx` are allowed for easing local development.
var localhostRegex = regexp.MustCompile(`^https?://localhost:[58][[:digit:]]{3}$`)

func corsValidator() OriginValidator {
	v := func(origin string) bool {
		// requests without an Origin header come from non-browser
		// clients and are always fine
		if origin == "" {
			return true
		}

		// `null` is for electron apps or chrome extensions.
		// commented out for now
		// if origin == "null" {
		//	return true
		// }

		return localhostRegex.MatchString(origin)
	}

	return v
}

func (a *api) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) respondError(w http.ResponseWriter, err error) {
	type jsonError struct {
		Error string `json:"error"`
	}
	a.Log("returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	err = json.NewEncoder(w).Encode(jsonError{
		Error: err.Error(),
	})
	if err != nil {
		a.Log("error while writing error: " + err.Error())
	}
}
