// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/cdc/core/changefeed"
)

// Operation types of a change stream document.
const (
	opInsert     = "insert"
	opUpdate     = "update"
	opReplace    = "replace"
	opDelete     = "delete"
	opInvalidate = "invalidate"
)

// changeDoc is the subset of a change stream document the source reads.
type changeDoc struct {
	OperationType string              `bson:"operationType"`
	DocumentKey   bson.M              `bson:"documentKey"`
	FullDocument  bson.M              `bson:"fullDocument"`
	ClusterTime   bson.MongoTimestamp `bson:"clusterTime"`
}

func operationKind(op string) (changefeed.OperationKind, bool) {
	switch op {
	case opInsert:
		return changefeed.Insert, true
	case opUpdate:
		return changefeed.Update, true
	case opReplace:
		return changefeed.Replace, true
	case opDelete:
		return changefeed.Delete, true
	}
	return 0, false
}

func operationType(kind changefeed.OperationKind) string {
	switch kind {
	case changefeed.Insert:
		return opInsert
	case changefeed.Update:
		return opUpdate
	case changefeed.Replace:
		return opReplace
	case changefeed.Delete:
		return opDelete
	}
	return ""
}

// decodeChange converts a change stream document into a change event. It
// returns false for documents that describe no record mutation, such as
// collection drops.
func decodeChange(doc changeDoc, token *bson.Raw, now time.Time) (changefeed.ChangeEvent, bool, error) {
	if doc.OperationType == opInvalidate {
		return changefeed.ChangeEvent{}, false, errors.Annotate(changefeed.ErrNonResumable, "change stream invalidated")
	}
	kind, ok := operationKind(doc.OperationType)
	if !ok {
		return changefeed.ChangeEvent{}, false, nil
	}
	if token == nil || len(token.Data) == 0 {
		return changefeed.ChangeEvent{}, false, errors.NotValidf("change without resume token")
	}

	key, err := sourceKey(doc.DocumentKey["_id"])
	if err != nil {
		return changefeed.ChangeEvent{}, false, errors.Trace(err)
	}

	event := changefeed.ChangeEvent{
		Kind:        kind,
		SourceKey:   key,
		ResumeToken: encodeToken(token),
		ObservedAt:  clusterTime(doc.ClusterTime, now),
	}
	if kind != changefeed.Delete && doc.FullDocument != nil {
		event.Payload = normaliseMap(doc.FullDocument)
	}
	return event, true, nil
}

func sourceKey(id any) (string, error) {
	switch v := id.(type) {
	case nil:
		return "", errors.NotValidf("change without document key")
	case string:
		return v, nil
	case bson.ObjectId:
		return v.Hex(), nil
	}
	return fmt.Sprint(normalise(id)), nil
}

// clusterTime returns the wall time of a cluster timestamp, whose high 32
// bits hold seconds since the epoch.
func clusterTime(ts bson.MongoTimestamp, now time.Time) time.Time {
	if ts == 0 {
		return now.UTC()
	}
	return time.Unix(int64(ts)>>32, 0).UTC()
}

// encodeToken renders a raw resume token as hex.
func encodeToken(raw *bson.Raw) changefeed.ResumeToken {
	return changefeed.ResumeToken(hex.EncodeToString(raw.Data))
}

// decodeToken parses a token produced by encodeToken. Resume tokens are
// always documents.
func decodeToken(token changefeed.ResumeToken) (*bson.Raw, error) {
	data, err := hex.DecodeString(string(token))
	if err != nil || len(data) == 0 {
		return nil, errors.Annotatef(changefeed.ErrNonResumable, "malformed resume token %q", token)
	}
	return &bson.Raw{Kind: 0x03, Data: data}, nil
}

func normaliseMap(m bson.M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalise(v)
	}
	return out
}

// normalise converts decoded bson values into the plain types understood
// by the transformer.
func normalise(value any) any {
	switch v := value.(type) {
	case bson.M:
		return normaliseMap(v)
	case map[string]any:
		return normaliseMap(v)
	case bson.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Name] = normalise(e.Value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalise(e)
		}
		return out
	case bson.ObjectId:
		return v.Hex()
	case bson.MongoTimestamp:
		return int64(v)
	case bson.Symbol:
		return string(v)
	case bson.Binary:
		return base64.StdEncoding.EncodeToString(v.Data)
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case bson.Decimal128:
		return v.String()
	case bson.RegEx:
		return v.Pattern
	case int:
		return int64(v)
	case int32:
		return int64(v)
	}
	return value
}
