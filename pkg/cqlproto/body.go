package cqlproto

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Consistency is the CQL consistency level carried by QUERY and EXECUTE.
type Consistency uint16

const (
	Any         Consistency = 0x0000
	One         Consistency = 0x0001
	Two         Consistency = 0x0002
	Three       Consistency = 0x0003
	Quorum      Consistency = 0x0004
	All         Consistency = 0x0005
	LocalQuorum Consistency = 0x0006
	EachQuorum  Consistency = 0x0007
	LocalOne    Consistency = 0x000A
)

// ParseConsistency maps a level name such as "QUORUM" to its wire value.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToUpper(s) {
	case "ANY":
		return Any, nil
	case "ONE":
		return One, nil
	case "TWO":
		return Two, nil
	case "THREE":
		return Three, nil
	case "QUORUM":
		return Quorum, nil
	case "ALL":
		return All, nil
	case "LOCAL_QUORUM":
		return LocalQuorum, nil
	case "EACH_QUORUM":
		return EachQuorum, nil
	case "LOCAL_ONE":
		return LocalOne, nil
	}
	return 0, errors.Errorf("cqlproto: unknown consistency level %q", s)
}

// CQLVersion is the CQL language version announced at STARTUP.
const CQLVersion = "3.0.0"

func appendShort(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

func appendString(dst []byte, s string) []byte {
	dst = appendShort(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendLongString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendStringMap(dst []byte, m map[string]string) []byte {
	dst = appendShort(dst, uint16(len(m)))
	for k, v := range m {
		dst = appendString(dst, k)
		dst = appendString(dst, v)
	}
	return dst
}

func appendShortBytes(dst []byte, b []byte) []byte {
	dst = appendShort(dst, uint16(len(b)))
	return append(dst, b...)
}

// StartupBody builds the STARTUP body. A non-empty compression name
// requests body compression for every subsequent frame.
func StartupBody(compression string) []byte {
	opts := map[string]string{"CQL_VERSION": CQLVersion}
	if compression != "" {
		opts["COMPRESSION"] = compression
	}
	return appendStringMap(nil, opts)
}

// CredentialsBody builds the CREDENTIALS body sent in answer to
// AUTHENTICATE.
func CredentialsBody(credentials map[string]string) []byte {
	return appendStringMap(nil, credentials)
}

// QueryBody builds the QUERY body for stmt. Protocol v2 and later carry
// a trailing flags byte; no flags are set since the session binds no
// values here.
func QueryBody(v Version, stmt string, c Consistency) []byte {
	dst := appendLongString(nil, stmt)
	dst = appendShort(dst, uint16(c))
	if v >= Version2 {
		dst = append(dst, 0)
	}
	return dst
}

// PrepareBody builds the PREPARE body for stmt.
func PrepareBody(stmt string) []byte {
	return appendLongString(nil, stmt)
}

// ExecuteBody builds the EXECUTE body for a prepared-statement id.
func ExecuteBody(v Version, id []byte, c Consistency) []byte {
	dst := appendShortBytes(nil, id)
	if v >= Version2 {
		dst = appendShort(dst, uint16(c))
		return append(dst, 0)
	}
	// v1 carries the value count (none) before the consistency.
	dst = appendShort(dst, 0)
	return appendShort(dst, uint16(c))
}

// ParseError pulls the error code and message out of an ERROR body.
func ParseError(body []byte) (code int32, message string, err error) {
	if len(body) < 6 {
		return 0, "", errors.New("cqlproto: ERROR body too short")
	}
	code = int32(binary.BigEndian.Uint32(body))
	n := int(binary.BigEndian.Uint16(body[4:6]))
	if len(body) < 6+n {
		return 0, "", errors.New("cqlproto: ERROR message truncated")
	}
	return code, string(body[6 : 6+n]), nil
}

// Result kinds carried by a RESULT body.
const (
	ResultVoid         int32 = 0x0001
	ResultRows         int32 = 0x0002
	ResultSetKeyspace  int32 = 0x0003
	ResultPrepared     int32 = 0x0004
	ResultSchemaChange int32 = 0x0005
)

// ResultKind reads the kind discriminant of a RESULT body.
func ResultKind(body []byte) (int32, error) {
	if len(body) < 4 {
		return 0, errors.New("cqlproto: RESULT body too short")
	}
	return int32(binary.BigEndian.Uint32(body)), nil
}

// ParsePrepared extracts the statement id from a RESULT body of kind
// prepared.
func ParsePrepared(body []byte) ([]byte, error) {
	kind, err := ResultKind(body)
	if err != nil {
		return nil, err
	}
	if kind != ResultPrepared {
		return nil, errors.Errorf("cqlproto: RESULT kind %d is not prepared", kind)
	}
	if len(body) < 6 {
		return nil, errors.New("cqlproto: prepared RESULT body too short")
	}
	n := int(binary.BigEndian.Uint16(body[4:6]))
	if len(body) < 6+n {
		return nil, errors.New("cqlproto: prepared-statement id truncated")
	}
	id := make([]byte, n)
	copy(id, body[6:6+n])
	return id, nil
}
