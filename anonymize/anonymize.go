// Package anonymize holds the differential-privacy primitives applied to
// events before they leave the device: rotating session fingerprints, noisy
// timestamp buckets, Gaussian vector perturbation, randomized response for
// boolean flags, and the structural hash / element signature derivations.
//
// A Unit is not safe for concurrent use; each capture pipeline owns one.
package anonymize

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/veyra/ghostwork/vec"
)

const (
	// sessionWindowMS divides wall time into 15-minute fingerprint windows.
	sessionWindowMS = 900_000
	// bucketMS is the timestamp granularity exposed off-device.
	bucketMS = 300_000
	// laplaceScaleMS is the timestamp noise scale before bucketing.
	laplaceScaleMS = 30_000
	// flipProbability is the randomized-response flip rate for boolean flags.
	flipProbability = 0.10

	hkdfInfo = "ghostwork/session-fingerprint"
)

// Unit derives anonymized views of raw event data for one device.
type Unit struct {
	deviceID string
	key      []byte
	epsilon  float64
	rng      *rand.Rand
}

// Option configures a Unit.
type Option func(*Unit)

// WithEpsilon sets the differential-privacy budget for vector perturbation.
// Values <= 0 are ignored.
func WithEpsilon(epsilon float64) Option {
	return func(u *Unit) {
		if epsilon > 0 {
			u.epsilon = epsilon
		}
	}
}

// WithRand replaces the noise source. Tests pass a seeded generator to make
// noisy outputs reproducible.
func WithRand(r *rand.Rand) Option {
	return func(u *Unit) { u.rng = r }
}

// WithSecret derives the fingerprint HMAC key from secret via HKDF-SHA256
// instead of keying directly with the device id.
func WithSecret(secret []byte) Option {
	return func(u *Unit) {
		r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
		key := make([]byte, sha256.Size)
		if _, err := io.ReadFull(r, key); err != nil {
			panic("anonymize: hkdf key derivation: " + err.Error())
		}
		u.key = key
	}
}

// New returns a Unit for deviceID with epsilon 1.0 and a crypto-seeded noise
// source. Without WithSecret the HMAC key is the device id itself.
func New(deviceID string, opts ...Option) *Unit {
	u := &Unit{
		deviceID: deviceID,
		key:      []byte(deviceID),
		epsilon:  1.0,
		rng:      cryptoSeededRand(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func cryptoSeededRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("anonymize: crypto/rand unavailable: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// SessionFingerprint returns the lowercase-hex HMAC-SHA256 of
// "deviceId|userId|floor(sessionStart/15min)". The floor term makes the
// fingerprint rotate every 15 minutes of session start time.
func (u *Unit) SessionFingerprint(userID string, sessionStartMS int64) string {
	mac := hmac.New(sha256.New, u.key)
	fmt.Fprintf(mac, "%s|%s|%d", u.deviceID, userID, sessionStartMS/sessionWindowMS)
	return hex.EncodeToString(mac.Sum(nil))
}

// DeviceFingerprint returns the stable off-device identity for batches and
// rate limiting: the lowercase-hex HMAC-SHA256 of "device|<deviceId>".
// With WithSecret the raw device id never leaves the device.
func (u *Unit) DeviceFingerprint() string {
	mac := hmac.New(sha256.New, u.key)
	fmt.Fprintf(mac, "device|%s", u.deviceID)
	return hex.EncodeToString(mac.Sum(nil))
}

// TimestampBucket adds Laplace noise (scale 30 s) to a millisecond timestamp
// and floors it to a 5-minute boundary, returned as an ISO-8601 UTC string.
func (u *Unit) TimestampBucket(tsMS int64) string {
	noisy := float64(tsMS) + u.laplace(laplaceScaleMS)
	bucket := int64(math.Floor(noisy/bucketMS)) * bucketMS
	return time.UnixMilli(bucket).UTC().Format(time.RFC3339)
}

// laplace draws from Laplace(0, scale) via the inverse CDF of a uniform.
func (u *Unit) laplace(scale float64) float64 {
	p := u.rng.Float64() - 0.5
	t := 1 - 2*math.Abs(p)
	if t <= 0 {
		t = math.SmallestNonzeroFloat64
	}
	if p < 0 {
		return scale * math.Log(t)
	}
	return -scale * math.Log(t)
}

// PerturbVector adds i.i.d. Gaussian noise with sigma = sqrt(2)/epsilon to
// each dimension, re-normalizes so the published vector stays unit length,
// and quantizes to 4 decimals. The input is not modified.
func (u *Unit) PerturbVector(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	sigma := math.Sqrt2 / u.epsilon
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) + u.rng.NormFloat64()*sigma)
	}
	vec.Normalize(out)
	vec.Quantize(out, 4)
	return out
}

// RandomizedResponse flips flag with probability 0.10, independently per
// call.
func (u *Unit) RandomizedResponse(flag bool) bool {
	if u.rng.Float64() < flipProbability {
		return !flag
	}
	return flag
}

// StructuralHash is the 8-hex FNV-1a of "path0>path1>...:tagName". Events on
// structurally identical elements collide on purpose; that collision is what
// pattern detection clusters on.
func StructuralHash(domPath []string, tagName string) string {
	h := fnv.New32a()
	io.WriteString(h, strings.Join(domPath, ">"))
	io.WriteString(h, ":")
	io.WriteString(h, tagName)
	return fmt.Sprintf("%08x", h.Sum32())
}

// ElementSignature renders a coarse, non-identifying element descriptor:
// tagName, optional "[role]", then "@" and the last three path segments.
// Empty tagName yields "" (the signature is optional on the wire).
func ElementSignature(tagName, role string, domPath []string) string {
	if tagName == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(tagName)
	if role != "" {
		sb.WriteString("[")
		sb.WriteString(role)
		sb.WriteString("]")
	}
	sb.WriteString("@")
	tail := domPath
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	sb.WriteString(strings.Join(tail, ">"))
	return sb.String()
}

// HashURL keeps the origin readable and replaces path+query with an 8-hex
// FNV-1a digest, so no plaintext path or parameter survives. Strings that do
// not parse as absolute URLs are hashed whole.
func HashURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		h := fnv.New32a()
		io.WriteString(h, raw)
		return fmt.Sprintf("%08x", h.Sum32())
	}
	h := fnv.New32a()
	io.WriteString(h, parsed.Path)
	if parsed.RawQuery != "" {
		io.WriteString(h, "?")
		io.WriteString(h, parsed.RawQuery)
	}
	return parsed.Scheme + "://" + parsed.Host + "/" + fmt.Sprintf("%08x", h.Sum32())
}
