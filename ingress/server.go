package ingress

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/blockcache"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/digest"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces ingress failures.
var Err = errs.NewErrorType("ingress")

// Config carries the ingress surface's tunables (§4.9 validation rules).
type Config struct {
	// StartBlockWindow bounds how far startBlock may lag or lead the
	// current head (§4.9 "startBlock is within a small window of
	// current head").
	StartBlockWindow uint64
	// AuthBlockMaxAge bounds how stale x-auth-block may be for the GET
	// routes (§6 "400 if block too old").
	AuthBlockMaxAge uint64
}

// Server is the ingress surface of §4.9/§6.
type Server struct {
	cfg             Config
	appointments    *appointment.Store
	cache           *blockcache.Cache
	towerKey        *ecdsa.PrivateKey
	towerAddress    chain.Address
	towerContract   chain.Address
	router          chi.Router
}

// New creates the ingress router, wiring its three routes.
func New(cfg Config, appointments *appointment.Store, cache *blockcache.Cache, towerKey *ecdsa.PrivateKey, towerAddress, towerContract chain.Address) *Server {
	s := &Server{
		cfg:           cfg,
		appointments:  appointments,
		cache:         cache,
		towerKey:      towerKey,
		towerAddress:  towerAddress,
		towerContract: towerContract,
	}
	r := chi.NewRouter()
	r.Post("/appointment", s.handlePostAppointment)
	r.Get("/appointment/customer/{address}", s.handleGetCustomer)
	r.Get("/appointment/backup/{address}", s.handleGetBackup)
	s.router = r
	return s
}

// ServeHTTP lets Server be plugged directly into an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handlePostAppointment implements §4.9's POST /appointment.
func (s *Server) handlePostAppointment(w http.ResponseWriter, r *http.Request) {
	var wire appointmentWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	a, err := fromWire(wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed appointment fields")
		return
	}

	if err := s.validate(a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	digestHash, err := digest.Compute(a, s.towerContract)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not compute digest")
		return
	}
	ok, err := digest.VerifyCustomerSignature(a, digestHash, a.CustomerSig)
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "customer signature does not recover to customerAddress")
		return
	}

	if err := s.appointments.Accept(a); err != nil {
		if appointment.ErrStaleNonce.Is(err) {
			writeError(w, http.StatusConflict, "stale nonce")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	watcherSig, err := digest.SignAsTower(digestHash, s.towerKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign receipt")
		return
	}

	writeJSON(w, http.StatusOK, receipt{
		Appointment:      toWire(a),
		WatcherSignature: hexEncode(watcherSig),
		WatcherAddress:   hexEncode(s.towerAddress[:]),
	})
}

// validate implements §4.9's stateless request checks.
func (s *Server) validate(a appointment.Appointment) error {
	if a.EndBlock <= a.StartBlock {
		return Err.CodeWithDetail("ErrInvalidWindow", "endBlock must exceed startBlock").Default()
	}
	if len(a.Topics) > 4 {
		return Err.CodeWithDetail("ErrTooManyTopics", "at most 4 topics are supported").Default()
	}
	if a.Mode == appointment.ModeRelay {
		var zero chain.Address
		if a.EventAddress != zero || len(a.Topics) != 0 {
			return Err.CodeWithDetail("ErrRelayCoherence", "relay mode requires zero-address event and empty topics").Default()
		}
	}

	head := s.cache.MaxHeight()
	low, high := head, head+s.cfg.StartBlockWindow
	if head > s.cfg.StartBlockWindow {
		low = head - s.cfg.StartBlockWindow
	} else {
		low = 0
	}
	if a.StartBlock < low || a.StartBlock > high {
		return Err.CodeWithDetail("ErrStartBlockWindow", "startBlock is not within the accepted window of the current head").Default()
	}
	return nil
}

// handleGetCustomer implements §4.9's GET /appointment/customer/{address}.
func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	addr, err := s.authenticate(r, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, authFailureStatus(err), err.Error())
		return
	}
	appointments := s.appointments.ByCustomer(addr)
	body, err := marshalAppointments(appointments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to marshal appointments")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleGetBackup implements the supplemented
// GET /appointment/backup/{address} restore route (§6 "Backup
// shorthand": "Restore returns every such appointment's data field by id
// and nonce").
func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	addr, err := s.authenticate(r, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, authFailureStatus(err), err.Error())
		return
	}
	type backupEntry struct {
		ID    string `json:"id"`
		Nonce uint64 `json:"nonce"`
		Data  string `json:"data"`
	}
	var out []backupEntry
	for _, a := range s.appointments.ByCustomer(addr) {
		if !a.IsBackup() {
			continue
		}
		out = append(out, backupEntry{ID: hexEncode(a.ID[:]), Nonce: a.Nonce, Data: hexEncode(a.Calldata)})
	}
	writeJSON(w, http.StatusOK, out)
}

// errAuthBlockTooOld marks an x-auth-block older than AuthBlockMaxAge.
var errAuthBlockTooOld = Err.CodeWithDetail("ErrAuthBlockTooOld", "x-auth-block is too old")

// authFailureStatus maps an authenticate error to its HTTP status: 400 for
// a too-old x-auth-block, 401 for every other failure.
func authFailureStatus(err error) int {
	if errAuthBlockTooOld.Is(err) {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}

// authenticate verifies x-auth-block/x-auth-sig against pathAddress
// (§4.9's GET auth scheme) and returns the authenticated address.
func (s *Server) authenticate(r *http.Request, pathAddress string) (chain.Address, error) {
	var addr chain.Address
	addrBytes, err := hexDecode(pathAddress)
	if err != nil {
		return addr, Err.CodeWithDetail("ErrMalformedAddress", "malformed address path parameter").Default()
	}
	copy(addr[:], addrBytes)

	blockStr := r.Header.Get("x-auth-block")
	sigHex := r.Header.Get("x-auth-sig")
	if blockStr == "" || sigHex == "" {
		return addr, Err.CodeWithDetail("ErrMissingAuth", "missing x-auth-block/x-auth-sig headers").Default()
	}
	blockNum, err := strconv.ParseUint(blockStr, 10, 64)
	if err != nil {
		return addr, Err.CodeWithDetail("ErrMalformedAuthBlock", "x-auth-block must be a decimal integer").Default()
	}

	head := s.cache.MaxHeight()
	if head > blockNum && head-blockNum > s.cfg.AuthBlockMaxAge {
		return addr, errAuthBlockTooOld.Default()
	}

	sig, err := hexDecode(sigHex)
	if err != nil || len(sig) != 65 {
		return addr, Err.CodeWithDetail("ErrMalformedAuthSig", "malformed x-auth-sig").Default()
	}

	if !verifyBlockSignature(blockStr, sig, addr) {
		return addr, Err.CodeWithDetail("ErrAuthSignature", "x-auth-sig does not recover to the path address").Default()
	}
	return addr, nil
}

// verifyBlockSignature checks that sig, over the Ethereum personal-message
// hash of blockStr, recovers to addr (§4.9's x-auth-block/x-auth-sig scheme).
func verifyBlockSignature(blockStr string, sig []byte, addr chain.Address) bool {
	prefix := []byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(blockStr)))
	hash := crypto.Keccak256(append(prefix, []byte(blockStr)...))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == addr
}
