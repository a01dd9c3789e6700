package logtrust

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxAdminBody caps admin request bodies.
const maxAdminBody = 1 << 20

// AdminStore is the view of the configuration the admin control path
// drives.
type AdminStore interface {
	Reload() error
	IsValid() bool
	IsMalformedJSON() bool
	ErrorList() []error
	ConfigurationFile() string

	KnownClients() []string
	ClientInfo(clientID string) (ClientInfo, bool)
	AddKnownClient(clientID string, publicKey []byte) error
	SetClientLoggers(clientID, defaultLogger string, loggers ...string) error
	RemoveKnownClient(clientID string) bool

	IsKnownLogger(loggerID string) bool
	IsBlacklisted(loggerID string) bool
	IsUnknownLoggerRegistered(loggerID string) bool
	LoggerFlags(loggerID string) Flag
	Flags() Flag
	AddLoggerFlag(loggerID string, f Flag)
	GetRotationFrequency(loggerID string) RotationFrequency
	GetArchivedLogDirectory(loggerID string) string
	GetArchivedLogFilename(loggerID string) string
	GetArchivedLogCompressedFilename(loggerID string) string
	GetConfigurationFile(loggerID string) string
	FindLoggerUser(loggerID string) string

	Extensions() []string
	ExtensionHost() *ExtensionHost
}

var _ AdminStore = (*Configuration)(nil)

// AdminServer serves the administrative control path: reload, status,
// client enrolment and revocation, logger flags and extension state.
// Responses are JSON unless the request accepts application/x-protobuf, in
// which case the same document is sent as a google.protobuf.Struct.
type AdminServer struct {
	store   AdminStore
	journal *Journal
	router  *mux.Router
}

// NewAdminServer returns an AdminServer for store. journal may be nil.
func NewAdminServer(store AdminStore, journal *Journal) *AdminServer {
	s := &AdminServer{store: store, journal: journal, router: mux.NewRouter()}
	s.SetupRoutes(s.router)
	return s
}

// SetupRoutes registers the admin routes on r.
func (s *AdminServer) SetupRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/reload", s.HandleReload).Methods(http.MethodPost)
	api.HandleFunc("/status", s.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/clients", s.HandleListClients).Methods(http.MethodGet)
	api.HandleFunc("/clients", s.HandleAddClient).Methods(http.MethodPost)
	api.HandleFunc("/clients/{id}", s.HandleGetClient).Methods(http.MethodGet)
	api.HandleFunc("/clients/{id}", s.HandleRemoveClient).Methods(http.MethodDelete)
	api.HandleFunc("/loggers/{id}", s.HandleGetLogger).Methods(http.MethodGet)
	api.HandleFunc("/loggers/{id}/flags", s.HandleAddLoggerFlags).Methods(http.MethodPost)
	api.HandleFunc("/extensions", s.HandleExtensions).Methods(http.MethodGet)
	api.HandleFunc("/journal", s.HandleJournal).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// wantsProtobuf checks whether the caller accepts protobuf responses.
func wantsProtobuf(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if isProtobufContentType(strings.TrimSpace(part)) {
			return true
		}
	}
	return false
}

// decodeBody decodes a JSON body, or a protobuf Struct body when the
// request says so, into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if isProtobufContentType(r.Header.Get("Content-Type")) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("unmarshal protobuf: %w", err)
		}
		if body, err = structToJSON(&st); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// writeResponse encodes v in the format the request asked for.
func writeResponse(w http.ResponseWriter, r *http.Request, code int, v any) {
	if wantsProtobuf(r) {
		st, err := toStruct(v)
		if err == nil {
			var data []byte
			if data, err = proto.Marshal(st); err == nil {
				w.Header().Set("Content-Type", contentTypeProtobuf)
				w.WriteHeader(code)
				_, _ = w.Write(data)
				return
			}
		}
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	writeResponse(w, r, code, map[string]string{"error": err.Error()})
}

type statusView struct {
	Valid             bool     `json:"valid"`
	MalformedJSON     bool     `json:"malformed_json"`
	Errors            []string `json:"errors,omitempty"`
	ConfigurationFile string   `json:"configuration_file,omitempty"`
	KnownClients      int      `json:"known_clients"`
	Flags             []string `json:"flags,omitempty"`
	Extensions        []string `json:"extensions,omitempty"`
	JournalIndex      uint64   `json:"journal_index,omitempty"`
}

func (s *AdminServer) status() statusView {
	v := statusView{
		Valid:             s.store.IsValid(),
		MalformedJSON:     s.store.IsMalformedJSON(),
		ConfigurationFile: s.store.ConfigurationFile(),
		KnownClients:      len(s.store.KnownClients()),
		Flags:             s.store.Flags().Names(),
		Extensions:        s.store.Extensions(),
	}
	for _, err := range s.store.ErrorList() {
		v.Errors = append(v.Errors, err.Error())
	}
	if s.journal != nil {
		v.JournalIndex = s.journal.LastState().Index
	}
	return v
}

// HandleReload handles POST /api/v1/reload. A rejected document leaves the
// running configuration in place and is reported with 422.
func (s *AdminServer) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		log.Warningf("admin reload failed: %v", err)
		writeResponse(w, r, http.StatusUnprocessableEntity, s.status())
		return
	}
	writeResponse(w, r, http.StatusOK, s.status())
}

// HandleStatus handles GET /api/v1/status.
func (s *AdminServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, http.StatusOK, s.status())
}

type clientView struct {
	ClientID      string   `json:"client_id"`
	PublicKey     string   `json:"public_key,omitempty"`
	PublicKeyPath string   `json:"public_key_path,omitempty"`
	KeySize       int      `json:"key_size"`
	Loggers       []string `json:"loggers,omitempty"`
	DefaultLogger string   `json:"default_logger,omitempty"`
	User          string   `json:"user,omitempty"`
	Remote        bool     `json:"remote,omitempty"`
	Enrolled      string   `json:"enrolled,omitempty"`
	Acknowledged  string   `json:"acknowledged,omitempty"`
}

func newClientView(ci ClientInfo) clientView {
	v := clientView{
		ClientID:      ci.ID,
		PublicKeyPath: ci.PublicKeyPath,
		KeySize:       ci.KeySize,
		Loggers:       ci.Loggers,
		DefaultLogger: ci.DefaultLogger,
		User:          ci.User,
		Remote:        ci.Remote,
	}
	if ci.PublicKey != nil {
		v.PublicKey = string(EncodePublicKeyPEM(ci.PublicKey))
	}
	if !ci.Enrolled.IsZero() {
		v.Enrolled = ci.Enrolled.UTC().Format(time.RFC3339)
	}
	if !ci.Acknowledged.IsZero() {
		v.Acknowledged = ci.Acknowledged.UTC().Format(time.RFC3339)
	}
	return v
}

// HandleListClients handles GET /api/v1/clients.
func (s *AdminServer) HandleListClients(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, http.StatusOK, map[string]any{"clients": s.store.KnownClients()})
}

type addClientRequest struct {
	ClientID      string   `json:"client_id"`
	PublicKey     string   `json:"public_key"`
	Loggers       []string `json:"loggers"`
	DefaultLogger string   `json:"default_logger"`
}

// HandleAddClient handles POST /api/v1/clients - enrolment.
func (s *AdminServer) HandleAddClient(w http.ResponseWriter, r *http.Request) {
	var req addClientRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.ClientID == "" || req.PublicKey == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("client_id and public_key are required"))
		return
	}
	if err := s.store.AddKnownClient(req.ClientID, []byte(req.PublicKey)); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrClientExists) {
			code = http.StatusConflict
		}
		writeError(w, r, code, err)
		return
	}
	if len(req.Loggers) > 0 || req.DefaultLogger != "" {
		if err := s.store.SetClientLoggers(req.ClientID, req.DefaultLogger, req.Loggers...); err != nil {
			s.store.RemoveKnownClient(req.ClientID)
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	ci, _ := s.store.ClientInfo(req.ClientID)
	writeResponse(w, r, http.StatusCreated, newClientView(ci))
}

// HandleGetClient handles GET /api/v1/clients/{id}.
func (s *AdminServer) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ci, ok := s.store.ClientInfo(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownClient, id))
		return
	}
	writeResponse(w, r, http.StatusOK, newClientView(ci))
}

// HandleRemoveClient handles DELETE /api/v1/clients/{id} - revocation.
func (s *AdminServer) HandleRemoveClient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.store.RemoveKnownClient(id) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownClient, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loggerView struct {
	LoggerID                      string   `json:"logger_id"`
	Known                         bool     `json:"known"`
	Unknown                       bool     `json:"unknown_registered,omitempty"`
	Blacklisted                   bool     `json:"blacklisted"`
	Flags                         []string `json:"flags,omitempty"`
	RotationFreq                  string   `json:"rotation_freq"`
	ArchivedLogDirectory          string   `json:"archived_log_directory"`
	ArchivedLogFilename           string   `json:"archived_log_filename"`
	ArchivedLogCompressedFilename string   `json:"archived_log_compressed_filename"`
	ConfigurationFile             string   `json:"configuration_file,omitempty"`
	User                          string   `json:"user,omitempty"`
}

func (s *AdminServer) loggerView(id string) loggerView {
	return loggerView{
		LoggerID:                      id,
		Known:                         s.store.IsKnownLogger(id),
		Unknown:                       s.store.IsUnknownLoggerRegistered(id),
		Blacklisted:                   s.store.IsBlacklisted(id),
		Flags:                         s.store.LoggerFlags(id).Names(),
		RotationFreq:                  s.store.GetRotationFrequency(id).String(),
		ArchivedLogDirectory:          s.store.GetArchivedLogDirectory(id),
		ArchivedLogFilename:           s.store.GetArchivedLogFilename(id),
		ArchivedLogCompressedFilename: s.store.GetArchivedLogCompressedFilename(id),
		ConfigurationFile:             s.store.GetConfigurationFile(id),
		User:                          s.store.FindLoggerUser(id),
	}
}

// HandleGetLogger handles GET /api/v1/loggers/{id}. Undeclared loggers are
// reported with their effective defaults.
func (s *AdminServer) HandleGetLogger(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, http.StatusOK, s.loggerView(mux.Vars(r)["id"]))
}

type loggerFlagsRequest struct {
	Flags []string `json:"flags"`
}

// HandleAddLoggerFlags handles POST /api/v1/loggers/{id}/flags.
func (s *AdminServer) HandleAddLoggerFlags(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req loggerFlagsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	f, errs := parseFlags(req.Flags)
	if len(errs) > 0 {
		writeError(w, r, http.StatusBadRequest, errors.Join(errs...))
		return
	}
	if f == FlagNone {
		writeError(w, r, http.StatusBadRequest, errors.New("no flags given"))
		return
	}
	s.store.AddLoggerFlag(id, f)
	writeResponse(w, r, http.StatusOK, s.loggerView(id))
}

type extensionView struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Active bool   `json:"active"`
}

// HandleExtensions handles GET /api/v1/extensions.
func (s *AdminServer) HandleExtensions(w http.ResponseWriter, r *http.Request) {
	active := map[string]bool{}
	for _, id := range s.store.Extensions() {
		active[id] = true
	}
	host := s.store.ExtensionHost()
	exts := []extensionView{}
	for _, info := range host.List() {
		exts = append(exts, extensionView{
			ID:     info.ID,
			Module: info.Module,
			Type:   info.Type.String(),
			State:  info.State.String(),
			Active: active[info.ID],
		})
	}
	failures := map[string]string{}
	for m, err := range host.Failures() {
		failures[m] = err.Error()
	}
	writeResponse(w, r, http.StatusOK, map[string]any{"extensions": exts, "failures": failures})
}

type journalEventView struct {
	Index   uint64 `json:"index"`
	Time    string `json:"time"`
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
}

// HandleJournal handles GET /api/v1/journal. The chain is verified before
// any entry is returned.
func (s *AdminServer) HandleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, r, http.StatusNotFound, errors.New("no trust journal configured"))
		return
	}
	if err := s.journal.Verify(); err != nil {
		writeError(w, r, http.StatusConflict, fmt.Errorf("journal verification failed: %w", err))
		return
	}
	events, err := s.journal.Events(1)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]journalEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, journalEventView{
			Index:   ev.Index,
			Time:    time.Unix(0, ev.TS).UTC().Format(time.RFC3339Nano),
			ID:      ev.ID.String(),
			Kind:    string(ev.Kind),
			Subject: ev.Subject,
		})
	}
	writeResponse(w, r, http.StatusOK, map[string]any{"verified": true, "events": out})
}
