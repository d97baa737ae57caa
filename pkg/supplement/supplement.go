// Package supplement defines the core data model for the supplement
// knowledge base: the Supplement record stored in the vector index, the
// input type used for inserts and updates, and the query normalization
// rules that every lookup path shares.
//
// Query normalization is the contract that makes caching and discovery
// deduplication work. "Vitamin D3", "vitamin d3" and "  VITAMIN  D3 "
// must all map to the same normalized form so that repeated lookups hit
// the same cache key and the same discovery queue item:
//
//	norm := supplement.NormalizeQuery("  Vitamin  D3 ")
//	// norm == "vitamin d3"
//	key := supplement.QueryHash(norm)
//	// key is a stable 16-hex-char identifier
package supplement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// MaxQueryLength is the longest query accepted by any lookup path.
// Longer inputs are rejected before touching the cache or the index.
const MaxQueryLength = 200

// MinQueryLength is the shortest meaningful query. Single characters
// match too broadly to be useful.
const MinQueryLength = 2

var (
	// ErrEmptyQuery is returned when a query is empty or whitespace-only
	// after normalization.
	ErrEmptyQuery = errors.New("supplement: empty query")

	// ErrQueryTooLong is returned when a query exceeds MaxQueryLength.
	ErrQueryTooLong = fmt.Errorf("supplement: query exceeds %d characters", MaxQueryLength)

	// ErrQueryTooShort is returned when a query is shorter than
	// MinQueryLength after normalization.
	ErrQueryTooShort = fmt.Errorf("supplement: query shorter than %d characters", MinQueryLength)

	// ErrMissingName is returned when a record is inserted or updated
	// without a name.
	ErrMissingName = errors.New("supplement: missing name")

	// ErrMissingVector is returned when a record carries no embedding
	// vector and none can be computed.
	ErrMissingVector = errors.New("supplement: missing vector")
)

// Supplement is a single canonical record in the knowledge base. The
// vector index stores one Supplement per known compound; lookups resolve
// a free-text query to the nearest Supplement above the similarity
// threshold.
type Supplement struct {
	// ID uniquely identifies the record. Assigned on insert.
	ID string `json:"id"`

	// Name is the canonical display name ("Vitamin D3").
	Name string `json:"name"`

	// ScientificName is the formal compound name ("cholecalciferol").
	// Optional.
	ScientificName string `json:"scientific_name,omitempty"`

	// CommonNames lists alternative names and common misspellings the
	// record should also match by exact normalized-name lookup.
	CommonNames []string `json:"common_names,omitempty"`

	// Vector is the embedding of the canonical name plus aliases,
	// normalized to unit length. Dimensionality is fixed per index.
	Vector []float32 `json:"vector,omitempty"`

	// Metadata carries free-form payload returned to callers: dosage
	// guidance, interactions, evidence grade, source citations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// EvidenceGrade is the letter grade (A, B, C, D) assigned by the
	// evidence validator at discovery time. Empty for records inserted
	// directly by operators.
	EvidenceGrade string `json:"evidence_grade,omitempty"`

	// StudyCount is the number of supporting studies found by the
	// evidence validator at discovery time. Zero for records inserted
	// directly by operators.
	StudyCount int `json:"study_count,omitempty"`

	// LowConfidence marks records that passed evidence validation with
	// a study count below the preferred threshold. Callers may choose
	// to display these differently.
	LowConfidence bool `json:"low_confidence,omitempty"`

	// SearchCount tracks how many times this record has been returned
	// as a match. Updated asynchronously, best effort.
	SearchCount int64 `json:"search_count"`

	// LastSearchedAt is the time of the most recent match, zero if
	// never matched.
	LastSearchedAt time.Time `json:"last_searched_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the supplement. Callers that mutate
// records fetched from a cache tier must clone first so shared cached
// values stay immutable.
func (s *Supplement) Clone() *Supplement {
	if s == nil {
		return nil
	}
	out := *s
	if s.CommonNames != nil {
		out.CommonNames = append([]string(nil), s.CommonNames...)
	}
	if s.Vector != nil {
		out.Vector = append([]float32(nil), s.Vector...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// NormalizedName returns the canonical lookup form of the record's name.
func (s *Supplement) NormalizedName() string {
	return NormalizeQuery(s.Name)
}

// Input is the payload accepted by insert and update operations. Fields
// left zero on update are not modified.
type Input struct {
	Name           string         `json:"name"`
	ScientificName string         `json:"scientific_name,omitempty"`
	CommonNames    []string       `json:"common_names,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Vector may be supplied directly; when absent the caller computes
	// one from the name and aliases.
	Vector []float32 `json:"vector,omitempty"`
}

// Validate checks that the input can become a well-formed record.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return ErrMissingName
	}
	if len(in.Name) > MaxQueryLength {
		return ErrQueryTooLong
	}
	return nil
}

// NewSupplement builds a record from validated input, assigning an ID
// and timestamps.
func NewSupplement(in *Input) (*Supplement, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Supplement{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		ScientificName: strings.TrimSpace(in.ScientificName),
		CommonNames:    append([]string(nil), in.CommonNames...),
		Vector:         append([]float32(nil), in.Vector...),
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NormalizeQuery canonicalizes a free-text query: trims surrounding
// whitespace, lowercases, and collapses internal whitespace runs to a
// single space. The result is the form used for cache keys, discovery
// item IDs, and exact-name lookups.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(strings.ToLower(q))
	if q == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(q))
	lastSpace := false
	for _, r := range q {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// QueryHash returns the stable identifier for a normalized query: the
// first 16 hex characters of its SHA-256 digest. Callers must pass the
// output of NormalizeQuery for the identifier to be stable across
// spelling-equivalent inputs.
func QueryHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// ValidateQuery normalizes a raw query and checks the length bounds.
// It returns the normalized form on success.
func ValidateQuery(raw string) (string, error) {
	if len(raw) > MaxQueryLength {
		return "", ErrQueryTooLong
	}
	norm := NormalizeQuery(raw)
	if norm == "" {
		return "", ErrEmptyQuery
	}
	if len(norm) < MinQueryLength {
		return "", ErrQueryTooShort
	}
	return norm, nil
}
