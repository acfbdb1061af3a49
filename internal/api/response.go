package api

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/ratelimit"
)

// Client-facing error messages. The 500 text is shown verbatim by the
// dashboard front-end.
const (
	MsgMethodNotAllowed = "Method not allowed"
	MsgTooManyRequests  = "Too many requests, please try again later"
	MsgUpstreamFailed   = "Gagal menyambung ke database Google"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

// requestIDRng is seeded once from crypto/rand; ChaCha8 is safe for
// concurrent use.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID returns 128 random bits, hex encoded.
func generateRequestID() string {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], requestIDRng.Uint64())
	binary.LittleEndian.PutUint64(buf[8:], requestIDRng.Uint64())
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts client IDs made of [A-Za-z0-9-_.:] up to
// maxRequestIDLen bytes.
func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, err = w.Write(body)
	return err
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	_ = writeJSON(w, code, errorBody{Error: message})
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision, now time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

	reset := int64(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if reset < 0 {
		reset = 0
	}
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

// statusWriter captures the status code for the request-duration histogram.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
