package unspath

import (
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"unicode"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCanaryIDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_id_collisions_total",
		Help:      "Number of times distinct UNS paths generated the same Canary id.",
	})
	metricCanaryIDEscapes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_id_escapes_total",
		Help:      "Number of segments that required escaping while encoding Canary ids.",
	})
)

const escapePrefix = "_x"

// CanaryID is a derived Canary tag identifier and its optional checksum.
type CanaryID struct {
	Tag      string
	Checksum string
}

// Generator converts UNS paths into Canary tag identifiers with collision
// tracking. A Generator is safe for concurrent use.
type Generator struct {
	logger kitlog.Logger

	mtx             sync.Mutex
	knownIDs        map[string]string
	collisionsTotal int
	escapesTotal    int
}

// NewGenerator returns a Generator logging escape and collision events to
// the supplied logger.
func NewGenerator(logger kitlog.Logger) *Generator {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Generator{
		logger:   logger,
		knownIDs: make(map[string]string),
	}
}

// CollisionsTotal reports how many times distinct UNS paths generated the
// same Canary id.
func (g *Generator) CollisionsTotal() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.collisionsTotal
}

// EscapesTotal reports how many segments required escaping.
func (g *Generator) EscapesTotal() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.escapesTotal
}

// Generate derives the CanaryID for unsPath. Each segment is trimmed
// (preserving internal whitespace) and characters incompatible with Canary
// identifiers are escaped. Collision attempts are counted and logged at
// warning level.
func (g *Generator) Generate(unsPath string, includeChecksum bool) (CanaryID, error) {
	trimmed := strings.TrimSpace(unsPath)
	if trimmed == "" {
		return CanaryID{}, ErrInvalidTag
	}

	var rawSegments []string
	for _, segment := range strings.Split(strings.Trim(trimmed, "/"), "/") {
		if segment != "" {
			rawSegments = append(rawSegments, segment)
		}
	}
	if len(rawSegments) == 0 {
		return CanaryID{}, ErrInvalidTag
	}

	escaped := make([]string, 0, len(rawSegments))
	replacementCounts := make([]int, 0, len(rawSegments))
	for _, segment := range rawSegments {
		trimmedSegment := strings.TrimSpace(segment)
		if trimmedSegment == "" {
			return CanaryID{}, ErrInvalidSegment
		}
		out, replacements := escapeSegment(trimmedSegment)
		escaped = append(escaped, out)
		replacementCounts = append(replacementCounts, replacements)
	}
	tag := strings.Join(escaped, ".")

	g.mtx.Lock()
	for i, replacements := range replacementCounts {
		if replacements == 0 {
			continue
		}
		g.escapesTotal++
		metricCanaryIDEscapes.Inc()
		level.Info(g.logger).Log("msg", "canary id segment escaped", "segment", rawSegments[i], "replacements", replacements)
	}
	if existing, ok := g.knownIDs[tag]; !ok {
		g.knownIDs[tag] = trimmed
	} else if existing != trimmed {
		g.collisionsTotal++
		metricCanaryIDCollisions.Inc()
		level.Warn(g.logger).Log("msg", "canary id collision", "canary_id", tag, "existing_path", existing, "incoming_path", trimmed)
	}
	g.mtx.Unlock()

	id := CanaryID{Tag: tag}
	if includeChecksum {
		id.Checksum = fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(tag)))
	}
	return id, nil
}

// MetricPathToCanaryID translates a UNS metric path into the dot-separated
// Canary identifier, inheriting the generator's escaping and collision
// tracking.
func (g *Generator) MetricPathToCanaryID(metricPath string) (string, error) {
	id, err := g.Generate(metricPath, false)
	if err != nil {
		return "", err
	}
	return id.Tag, nil
}

func isAllowedChar(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return r == ' ' || r == '.' || r == '_' || r == '-'
}

// escapeSegment returns the escaped segment and the number of characters
// replaced. Whitespace other than ASCII space becomes a space; any other
// disallowed character is replaced by _xHHHH with the uppercase 4-hex-digit
// codepoint.
func escapeSegment(segment string) (string, int) {
	var b strings.Builder
	replacements := 0
	for _, r := range segment {
		switch {
		case isAllowedChar(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			replacements++
			b.WriteByte(' ')
		default:
			replacements++
			fmt.Fprintf(&b, "%s%04X", escapePrefix, r)
		}
	}
	return b.String(), replacements
}
