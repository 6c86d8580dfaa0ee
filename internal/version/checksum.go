// Package version holds the pure parts of the version store: content
// checksums, metadata summaries, graph checks and three-way merges.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"assessline/internal/domain"
)

// Encode returns the canonical JSON of a version's content. encoding/json
// writes map keys sorted, which makes the form canonical. The store persists
// exactly these bytes.
func Encode(responses domain.ResponseMap, meta domain.VersionMetadata) (rawResponses, rawMeta []byte, err error) {
	if responses == nil {
		responses = domain.ResponseMap{}
	}
	if rawResponses, err = json.Marshal(responses); err != nil {
		return nil, nil, fmt.Errorf("encode version responses: %w", err)
	}
	if rawMeta, err = json.Marshal(meta); err != nil {
		return nil, nil, fmt.Errorf("encode version metadata: %w", err)
	}
	return rawResponses, rawMeta, nil
}

// ChecksumBytes hashes encoded content. Every byte of both documents is
// covered.
func ChecksumBytes(rawResponses, rawMeta []byte) string {
	h := sha256.New()
	h.Write([]byte(`{"responses":`))
	h.Write(rawResponses)
	h.Write([]byte(`,"metadata":`))
	h.Write(rawMeta)
	h.Write([]byte(`}`))
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum hashes the canonical JSON form of a response map and its metadata.
func Checksum(responses domain.ResponseMap, meta domain.VersionMetadata) (string, error) {
	rawResponses, rawMeta, err := Encode(responses, meta)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(rawResponses, rawMeta), nil
}

// Verify compares the stored checksum of v with one recomputed from its
// content. A version read from the store is hashed over the bytes it was
// read with, so edits that decode to the same value still fail.
func Verify(v domain.AssessmentVersion) error {
	var computed string
	if v.Stored != nil {
		computed = ChecksumBytes(v.Stored.Responses, v.Stored.Metadata)
	} else {
		var err error
		if computed, err = Checksum(v.Responses, v.Metadata); err != nil {
			return err
		}
	}
	if computed != v.Checksum {
		return &domain.ChecksumMismatchError{VersionID: v.ID, Stored: v.Checksum, Computed: computed}
	}
	return nil
}

// Seal fills metadata and checksum of v from its responses.
func Seal(v *domain.AssessmentVersion, questionIDs []string, timeSpent float64) error {
	v.Metadata = ComputeMetadata(v.Responses, questionIDs, timeSpent)
	v.Stored = nil
	sum, err := Checksum(v.Responses, v.Metadata)
	if err != nil {
		return err
	}
	v.Checksum = sum
	return nil
}

// ComputeMetadata summarizes a response map against the framework's questions.
func ComputeMetadata(responses domain.ResponseMap, questionIDs []string, timeSpent float64) domain.VersionMetadata {
	meta := domain.VersionMetadata{TotalQuestions: len(questionIDs), TimeSpentSeconds: timeSpent}
	for _, qid := range questionIDs {
		if len(responses[qid].Values) > 0 {
			meta.AnsweredQuestions++
		}
	}
	for _, r := range responses {
		meta.EvidenceCount += len(r.Evidence)
		if r.Note != "" {
			meta.NoteCount++
		}
	}
	if meta.TotalQuestions > 0 {
		meta.CompletionRate = math.Round(float64(meta.AnsweredQuestions)/float64(meta.TotalQuestions)*10000) / 100
	}
	return meta
}
