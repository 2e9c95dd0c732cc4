// Package sample assigns records to a train or test partition as a pure
// function of an identifier column, so the same id always lands in the same
// partition across runs, processes and machines.
package sample

import (
	"crypto/md5"
	"errors"
	"fmt"
	"math"
	"math/big"

	"claimprep/internal/dataset"
	"claimprep/internal/transformer/builtin"
	"claimprep/pkg/records"
)

const (
	// SampleColumn is the derived column holding the partition label.
	SampleColumn = "sample"

	Train = "train"
	Test  = "test"

	// DefaultTrainingFrac is the fraction of ids labelled Train by default.
	DefaultTrainingFrac = 0.8
)

// ErrInvalidParameter is returned for a training fraction outside [0,1].
var ErrInvalidParameter = errors.New("sample: invalid parameter")

var hundred = big.NewInt(100)

// CreateSampleSplit returns a copy of ds with a SampleColumn holding Train or
// Test for every record.
//
// Integer ids are bucketed by id mod 100 (floored, so -1 lands in bucket 99).
// Ids of any other kind are bucketed by the md5 digest of their canonical
// string, read as a 128-bit big-endian integer, mod 100. A record is Train when
// bucket/100 < trainingFrac (see Label); 0 and 1 therefore give all-test and
// all-train. An existing SampleColumn is replaced; ds is not modified.
//
// A missing id (nil, or NaN in a float column) is hashed as a single NUL byte,
// so every record without an id lands in the same partition.
func CreateSampleSplit(ds *dataset.Dataset, idColumn string, trainingFrac float64) (*dataset.Dataset, error) {
	if math.IsNaN(trainingFrac) || trainingFrac < 0 || trainingFrac > 1 {
		return nil, fmt.Errorf("%w: training fraction %v not in [0,1]", ErrInvalidParameter, trainingFrac)
	}
	if err := ds.Require(idColumn); err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}

	ids, err := ds.Values(idColumn)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	f, _ := ds.Field(idColumn)

	labels := make([]any, len(ids))
	for i, id := range ids {
		var bucket int64
		if n, ok := id.(int64); ok && f.Kind == dataset.KindInt {
			bucket = IntBucket(n)
		} else if dataset.IsMissing(id) {
			bucket = HashBucket(nil)
		} else {
			bucket = HashBucket(id)
		}
		labels[i] = Label(bucket, trainingFrac)
	}

	out, err := ds.WithColumn(dataset.Field{Name: SampleColumn, Kind: dataset.KindString}, labels)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	return out, nil
}

// IntBucket returns id mod 100 in [0,100).
func IntBucket(id int64) int64 {
	return ((id % 100) + 100) % 100
}

// HashBucket returns md5(canonical(v)) mod 100.
func HashBucket(v any) int64 {
	sum := md5.Sum([]byte(builtin.CanonicalString(v)))
	var n, m big.Int
	n.SetBytes(sum[:])
	return m.Mod(&n, hundred).Int64()
}

// Label maps a bucket in [0,100) to Train when bucket/100 < trainingFrac.
// The bucket is scaled, not the fraction: 0.07*100 is 7.000000000000001 but
// 7.0/100 == 0.07.
func Label(bucket int64, trainingFrac float64) string {
	if float64(bucket)/100 < trainingFrac {
		return Train
	}
	return Test
}

// Partition splits a dataset labelled by CreateSampleSplit into its train and
// test records, keeping row order.
func Partition(ds *dataset.Dataset) (train, test *dataset.Dataset, err error) {
	if err := ds.Require(SampleColumn); err != nil {
		return nil, nil, fmt.Errorf("sample: partition: %w", err)
	}
	train = ds.Filter(func(r records.Record) bool { return r[SampleColumn] == Train })
	test = ds.Filter(func(r records.Record) bool { return r[SampleColumn] == Test })
	return train, test, nil
}
