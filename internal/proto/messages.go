package proto

import (
	"strconv"
	"strings"

	"github.com/dierpg/monomux/internal/merr"
	"github.com/dierpg/monomux/internal/wire"
)

// Message is any request/response/notification in the catalog: it
// knows its own Kind and how to render itself as Fields.
type Message interface {
	Kind() Kind
	Fields() wire.Fields
}

// Encode renders m as a complete wire frame ready to hand to a
// Channel's Write.
func Encode(m Message) []byte {
	return wire.Encode(uint16(m.Kind()), m.Fields().Encode())
}

// --- handshake ---

type ClientIDRequest struct{}

func (ClientIDRequest) Kind() Kind         { return KindClientIDRequest }
func (ClientIDRequest) Fields() wire.Fields { return nil }

type ClientIDResponse struct {
	ClientID uint64
	Nonce    uint64
}

func (m ClientIDResponse) Kind() Kind { return KindClientIDResponse }
func (m ClientIDResponse) Fields() wire.Fields {
	var f wire.Fields
	f.Set("id", strconv.FormatUint(m.ClientID, 10))
	f.Set("nonce", strconv.FormatUint(m.Nonce, 10))
	return f
}

func DecodeClientIDResponse(f wire.Fields) (ClientIDResponse, error) {
	id, err := f.Uint64("id")
	if err != nil {
		return ClientIDResponse{}, merr.New(merr.Protocol, err)
	}
	nonce, err := f.Uint64("nonce")
	if err != nil {
		return ClientIDResponse{}, merr.New(merr.Protocol, err)
	}
	return ClientIDResponse{ClientID: id, Nonce: nonce}, nil
}

type DataSocketRequest struct {
	ClientID uint64
	Nonce    uint64
}

func (m DataSocketRequest) Kind() Kind { return KindDataSocketRequest }
func (m DataSocketRequest) Fields() wire.Fields {
	var f wire.Fields
	f.Set("id", strconv.FormatUint(m.ClientID, 10))
	f.Set("nonce", strconv.FormatUint(m.Nonce, 10))
	return f
}

func DecodeDataSocketRequest(f wire.Fields) (DataSocketRequest, error) {
	id, err := f.Uint64("id")
	if err != nil {
		return DataSocketRequest{}, merr.New(merr.Protocol, err)
	}
	nonce, err := f.Uint64("nonce")
	if err != nil {
		return DataSocketRequest{}, merr.New(merr.Protocol, err)
	}
	return DataSocketRequest{ClientID: id, Nonce: nonce}, nil
}

type Ack struct{}

func (Ack) Kind() Kind         { return KindAck }
func (Ack) Fields() wire.Fields { return nil }

// --- session listing ---

type SessionListRequest struct{}

func (SessionListRequest) Kind() Kind         { return KindSessionListRequest }
func (SessionListRequest) Fields() wire.Fields { return nil }

// SessionSummary is one entry of a SessionListResponse.
type SessionSummary struct {
	Name          string
	CreatedAtUnix int64
	AttachedCount int
}

type SessionListResponse struct {
	Sessions []SessionSummary
}

func (m SessionListResponse) Kind() Kind { return KindSessionListResponse }
func (m SessionListResponse) Fields() wire.Fields {
	var f wire.Fields
	f.Set("count", strconv.Itoa(len(m.Sessions)))
	for _, s := range m.Sessions {
		f.Add("name", s.Name)
		f.Add("created_at", strconv.FormatInt(s.CreatedAtUnix, 10))
		f.Add("attached", strconv.Itoa(s.AttachedCount))
	}
	return f
}

func DecodeSessionListResponse(f wire.Fields) (SessionListResponse, error) {
	names := f.GetAll("name")
	createdAts := f.GetAll("created_at")
	attached := f.GetAll("attached")
	if len(names) != len(createdAts) || len(names) != len(attached) {
		return SessionListResponse{}, merr.Newf(merr.Protocol, "SessionListResponse field arity mismatch")
	}
	out := make([]SessionSummary, len(names))
	for i := range names {
		created, err := strconv.ParseInt(createdAts[i], 10, 64)
		if err != nil {
			return SessionListResponse{}, merr.New(merr.Protocol, err)
		}
		count, err := strconv.Atoi(attached[i])
		if err != nil {
			return SessionListResponse{}, merr.New(merr.Protocol, err)
		}
		out[i] = SessionSummary{Name: names[i], CreatedAtUnix: created, AttachedCount: count}
	}
	return SessionListResponse{Sessions: out}, nil
}

// --- session creation ---

// MakeSessionRequest carries the spawn options a new session needs:
// program, arguments, environment overrides (-e K=V), and names to
// unset from the child's inherited environment (-u K).
type MakeSessionRequest struct {
	Name    string
	Program string
	Args    []string
	Env     []string // "K=V" entries
	Unset   []string
	Cols    uint16
	Rows    uint16
}

func (m MakeSessionRequest) Kind() Kind { return KindMakeSessionRequest }
func (m MakeSessionRequest) Fields() wire.Fields {
	var f wire.Fields
	f.Set("name", m.Name)
	f.Set("program", m.Program)
	for _, a := range m.Args {
		f.Add("arg", a)
	}
	for _, e := range m.Env {
		f.Add("env", e)
	}
	for _, u := range m.Unset {
		f.Add("unset", u)
	}
	f.Set("cols", strconv.Itoa(int(m.Cols)))
	f.Set("rows", strconv.Itoa(int(m.Rows)))
	return f
}

func DecodeMakeSessionRequest(f wire.Fields) (MakeSessionRequest, error) {
	name, _ := f.Get("name")
	program, ok := f.Get("program")
	if !ok || program == "" {
		return MakeSessionRequest{}, merr.Newf(merr.Invocation, "MakeSessionRequest missing program")
	}
	cols, _ := f.Uint16("cols")
	rows, _ := f.Uint16("rows")
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return MakeSessionRequest{
		Name:    name,
		Program: program,
		Args:    f.GetAll("arg"),
		Env:     f.GetAll("env"),
		Unset:   f.GetAll("unset"),
		Cols:    cols,
		Rows:    rows,
	}, nil
}

type MakeSessionResponse struct {
	ActualName string
	OK         bool
	Error      string
}

func (m MakeSessionResponse) Kind() Kind { return KindMakeSessionResponse }
func (m MakeSessionResponse) Fields() wire.Fields {
	var f wire.Fields
	f.Set("name", m.ActualName)
	f.Set("ok", strconv.FormatBool(m.OK))
	f.Set("error", m.Error)
	return f
}

func DecodeMakeSessionResponse(f wire.Fields) (MakeSessionResponse, error) {
	name, _ := f.Get("name")
	okStr, _ := f.Get("ok")
	errStr, _ := f.Get("error")
	return MakeSessionResponse{ActualName: name, OK: okStr == "true", Error: errStr}, nil
}

// --- attach / detach ---

type AttachRequest struct {
	Name string
	Cols uint16
	Rows uint16
}

func (m AttachRequest) Kind() Kind { return KindAttachRequest }
func (m AttachRequest) Fields() wire.Fields {
	var f wire.Fields
	f.Set("name", m.Name)
	f.Set("cols", strconv.Itoa(int(m.Cols)))
	f.Set("rows", strconv.Itoa(int(m.Rows)))
	return f
}

func DecodeAttachRequest(f wire.Fields) (AttachRequest, error) {
	name, ok := f.Get("name")
	if !ok {
		return AttachRequest{}, merr.Newf(merr.Invocation, "AttachRequest missing name")
	}
	cols, _ := f.Uint16("cols")
	rows, _ := f.Uint16("rows")
	return AttachRequest{Name: name, Cols: cols, Rows: rows}, nil
}

type AttachResponse struct {
	OK    bool
	Error string
}

func (m AttachResponse) Kind() Kind { return KindAttachResponse }
func (m AttachResponse) Fields() wire.Fields {
	var f wire.Fields
	f.Set("ok", strconv.FormatBool(m.OK))
	f.Set("error", m.Error)
	return f
}

func DecodeAttachResponse(f wire.Fields) (AttachResponse, error) {
	okStr, _ := f.Get("ok")
	errStr, _ := f.Get("error")
	return AttachResponse{OK: okStr == "true", Error: errStr}, nil
}

type DetachRequest struct{}

func (DetachRequest) Kind() Kind         { return KindDetachRequest }
func (DetachRequest) Fields() wire.Fields { return nil }

type DetachNotification struct {
	Reason string
}

func (m DetachNotification) Kind() Kind { return KindDetachNotification }
func (m DetachNotification) Fields() wire.Fields {
	var f wire.Fields
	f.Set("reason", m.Reason)
	return f
}

func DecodeDetachNotification(f wire.Fields) (DetachNotification, error) {
	reason, _ := f.Get("reason")
	return DetachNotification{Reason: reason}, nil
}

// --- signal / resize ---

type SignalRequest struct {
	Signal int
}

func (m SignalRequest) Kind() Kind { return KindSignalRequest }
func (m SignalRequest) Fields() wire.Fields {
	var f wire.Fields
	f.Set("signal", strconv.Itoa(m.Signal))
	return f
}

func DecodeSignalRequest(f wire.Fields) (SignalRequest, error) {
	sig, err := f.Int("signal")
	if err != nil {
		return SignalRequest{}, merr.New(merr.Protocol, err)
	}
	return SignalRequest{Signal: sig}, nil
}

type ResizeRequest struct {
	Cols uint16
	Rows uint16
}

func (m ResizeRequest) Kind() Kind { return KindResizeRequest }
func (m ResizeRequest) Fields() wire.Fields {
	var f wire.Fields
	f.Set("cols", strconv.Itoa(int(m.Cols)))
	f.Set("rows", strconv.Itoa(int(m.Rows)))
	return f
}

func DecodeResizeRequest(f wire.Fields) (ResizeRequest, error) {
	cols, err := f.Uint16("cols")
	if err != nil {
		return ResizeRequest{}, merr.New(merr.Protocol, err)
	}
	rows, err := f.Uint16("rows")
	if err != nil {
		return ResizeRequest{}, merr.New(merr.Protocol, err)
	}
	return ResizeRequest{Cols: cols, Rows: rows}, nil
}

// --- keepalive / statistics ---

type KeepaliveRequest struct{}

func (KeepaliveRequest) Kind() Kind         { return KindKeepaliveRequest }
func (KeepaliveRequest) Fields() wire.Fields { return nil }

type KeepaliveResponse struct{}

func (KeepaliveResponse) Kind() Kind         { return KindKeepaliveResponse }
func (KeepaliveResponse) Fields() wire.Fields { return nil }

type StatisticsRequest struct{}

func (StatisticsRequest) Kind() Kind         { return KindStatisticsRequest }
func (StatisticsRequest) Fields() wire.Fields { return nil }

type StatisticsResponse struct {
	RunID          string
	UptimeSeconds  int64
	ClientCount    int
	SessionCount   int
	BytesRelayed   uint64
}

func (m StatisticsResponse) Kind() Kind { return KindStatisticsResponse }
func (m StatisticsResponse) Fields() wire.Fields {
	var f wire.Fields
	f.Set("run_id", m.RunID)
	f.Set("uptime", strconv.FormatInt(m.UptimeSeconds, 10))
	f.Set("clients", strconv.Itoa(m.ClientCount))
	f.Set("sessions", strconv.Itoa(m.SessionCount))
	f.Set("bytes_relayed", strconv.FormatUint(m.BytesRelayed, 10))
	return f
}

func DecodeStatisticsResponse(f wire.Fields) (StatisticsResponse, error) {
	uptime, _ := strconv.ParseInt(firstOr(f, "uptime", "0"), 10, 64)
	clients, _ := strconv.Atoi(firstOr(f, "clients", "0"))
	sessions, _ := strconv.Atoi(firstOr(f, "sessions", "0"))
	bytesRelayed, _ := strconv.ParseUint(firstOr(f, "bytes_relayed", "0"), 10, 64)
	runID, _ := f.Get("run_id")
	return StatisticsResponse{
		RunID:         runID,
		UptimeSeconds: uptime,
		ClientCount:   clients,
		SessionCount:  sessions,
		BytesRelayed:  bytesRelayed,
	}, nil
}

func firstOr(f wire.Fields, key, fallback string) string {
	if v, ok := f.Get(key); ok {
		return v
	}
	return fallback
}

// --- unsolicited server -> client ---

type DisconnectNotification struct {
	Reason string
}

func (m DisconnectNotification) Kind() Kind { return KindDisconnectNotification }
func (m DisconnectNotification) Fields() wire.Fields {
	var f wire.Fields
	f.Set("reason", m.Reason)
	return f
}

func DecodeDisconnectNotification(f wire.Fields) (DisconnectNotification, error) {
	reason, _ := f.Get("reason")
	return DisconnectNotification{Reason: reason}, nil
}

type KickNotification struct {
	Reason string
}

func (m KickNotification) Kind() Kind { return KindKickNotification }
func (m KickNotification) Fields() wire.Fields {
	var f wire.Fields
	f.Set("reason", m.Reason)
	return f
}

func DecodeKickNotification(f wire.Fields) (KickNotification, error) {
	reason, _ := f.Get("reason")
	return KickNotification{Reason: reason}, nil
}

type SessionExitNotification struct {
	Name     string
	ExitCode int
}

func (m SessionExitNotification) Kind() Kind { return KindSessionExitNotification }
func (m SessionExitNotification) Fields() wire.Fields {
	var f wire.Fields
	f.Set("name", m.Name)
	f.Set("code", strconv.Itoa(m.ExitCode))
	return f
}

func DecodeSessionExitNotification(f wire.Fields) (SessionExitNotification, error) {
	name, _ := f.Get("name")
	code, err := f.Int("code")
	if err != nil {
		return SessionExitNotification{}, merr.New(merr.Protocol, err)
	}
	return SessionExitNotification{Name: name, ExitCode: code}, nil
}

type ServerShutdownNotification struct {
	Message string
}

func (m ServerShutdownNotification) Kind() Kind { return KindServerShutdownNotification }
func (m ServerShutdownNotification) Fields() wire.Fields {
	var f wire.Fields
	f.Set("message", m.Message)
	return f
}

func DecodeServerShutdownNotification(f wire.Fields) (ServerShutdownNotification, error) {
	message, _ := f.Get("message")
	return ServerShutdownNotification{Message: message}, nil
}

// History carries a session's catch-up ring contents to a newly
// attached client. Currently reserved: catch-up bytes travel as a raw
// write on the data channel rather than a framed message of this kind.
type History struct {
	Name string
	Data []byte
}

func (m History) Kind() Kind { return KindHistory }
func (m History) Fields() wire.Fields {
	var f wire.Fields
	f.Set("name", m.Name)
	f.Set("data", string(m.Data))
	return f
}

func DecodeHistory(f wire.Fields) (History, error) {
	name, _ := f.Get("name")
	data, _ := f.Get("data")
	return History{Name: name, Data: []byte(data)}, nil
}

// ParseEnvEntry splits a "K=V" entry as produced by -e K=V and accepted
// by MakeSessionRequest.Env.
func ParseEnvEntry(entry string) (key, value string, ok bool) {
	idx := strings.IndexByte(entry, '=')
	if idx < 0 {
		return "", "", false
	}
	return entry[:idx], entry[idx+1:], true
}
