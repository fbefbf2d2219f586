// Package command translates a parsed wire argument vector into a
// typed Request the row operation planner can execute, validating
// argument shape, flag combinations, and numeric ranges the way the
// original protocol's ParseSet/ParseHSet/ParseZAddOptions family does.
package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/tableterr"
)

// Kind identifies which planner-facing request shape a command maps to.
type Kind int

const (
	KindSet Kind = iota
	KindGet
	KindGetSet
	KindAppend
	KindIncrBy
	KindDecrBy
	KindDel
	KindHSet
	KindHGet
	KindHGetAll
	KindHIncrBy
	KindHDel
	KindZAdd
	KindZScore
	KindZRem
	KindSAdd
	KindSRem
	KindTSAdd
	KindTSRangeByTime
	KindZRangeByScore
	KindZRevRange
	KindLPush
	KindRPush
	KindLPop
	KindRPop
	KindRangeRead
)

// WriteMode mirrors the original SET command's NX/XX modifiers.
type WriteMode int

const (
	WriteModeUpsert WriteMode = iota
	WriteModeInsertOnly
	WriteModeUpdateOnly
)

// Minimum and maximum TTL, in seconds, accepted by any command that
// carries a TTL (SET EX/PX, EXPIREAT/EXPIREIN on time series).
const (
	MinTTLSeconds = 1
	MaxTTLSeconds = 630720000 // ~20 years
)

const (
	posInfToken = "+inf"
	negInfToken = "-inf"
	withScores  = "WITHSCORES"
)

// Request is the tagged union of everything the translator can produce.
// Only the fields relevant to Kind are populated.
type Request struct {
	Kind Kind
	Key  []byte

	Value []byte
	Mode  WriteMode
	TTLMs int64 // 0 means no TTL.

	SubKey []byte // hash/sorted-set/time-series sub-key (single-key reads).

	IncrBy int64

	ZAddOptions ZAddOptions
	Pairs       []ScoreMemberPair // ZADD pairs, post flag parsing.

	FieldValues []FieldValuePair // HSET/HMSET/TSADD pairs, in input order.
	SubKeys     [][]byte         // de-duplicated subkeys for HDEL/SADD/SREM/ZREM.

	RangeStart int64 // GETRANGE byte offsets.
	RangeEnd   int64

	RangeLower RangeBound // *RANGEBYTIME/*RANGEBYSCORE/*REVRANGE bounds.
	RangeUpper RangeBound
	WithScores bool
}

// ScoreMemberPair is one (score, member) pair parsed from the tail of
// a ZADD command, post flag parsing.
type ScoreMemberPair struct {
	Score  []byte
	Member []byte
}

// FieldValuePair is one (subkey, value) pair parsed from the tail of a
// bulk hash/timeseries command (HSET, HMSET, TSADD), post TTL parsing.
type FieldValuePair struct {
	Field []byte
	Value []byte
}

// ZAddOptions mirrors SortedSetOptionsPB: CH/INCR/NX/XX flags.
type ZAddOptions struct {
	CH     bool
	Incr   bool
	Update WriteMode
}

// RangeBound is one endpoint of a *RANGEBYTIME/*RANGEBYSCORE/*REVRANGE
// bound. Exactly one of NegInf, PosInf, or a finite value applies; a
// leading "(" on the wire marks Exclusive. Int holds a timestamp
// (TSRANGEBYTIME) or index (ZREVRANGE); Float holds a score
// (ZRANGEBYSCORE).
type RangeBound struct {
	NegInf    bool
	PosInf    bool
	Int       int64
	Float     float64
	Exclusive bool
}

// Translate maps a parsed command name and its arguments to a Request.
// argv[0] is the command name; argv[1:] are its arguments, matching the
// wire package's NextCommand output exactly.
func Translate(argv [][]byte) (Request, error) {
	if len(argv) == 0 {
		metrics.CommandsCounter.WithLabelValues("UNKNOWN", "error").Inc()
		return Request{}, tableterr.New(tableterr.InvalidCommand, "empty command")
	}
	name := strings.ToUpper(string(argv[0]))

	start := time.Now()
	req, err := translate(name, argv[1:])
	metrics.CommandLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CommandsCounter.WithLabelValues(name, status).Inc()
	return req, err
}

func translate(name string, args [][]byte) (Request, error) {
	switch name {
	case "SET":
		return parseSet(args)
	case "GET":
		return parseSimpleKey(KindGet, args, "GET")
	case "GETSET":
		return parseGetSet(args)
	case "APPEND":
		return parseKeyValue(KindAppend, args, "APPEND")
	case "INCRBY":
		return parseKeyIncr(KindIncrBy, args, "INCRBY")
	case "DECRBY":
		return parseKeyIncr(KindDecrBy, args, "DECRBY")
	case "DEL":
		return parseSimpleKey(KindDel, args, "DEL")
	case "HSET", "HMSET":
		return parseBulkSet(KindHSet, args, name, false)
	case "HGET":
		return parseHGet(args)
	case "HGETALL":
		return parseSimpleKey(KindHGetAll, args, "HGETALL")
	case "HINCRBY":
		return parseHIncrBy(args)
	case "HDEL":
		return parseMembership(KindHDel, args, "HDEL")
	case "SADD":
		return parseMembership(KindSAdd, args, "SADD")
	case "SREM":
		return parseMembership(KindSRem, args, "SREM")
	case "ZREM":
		return parseMembership(KindZRem, args, "ZREM")
	case "ZADD":
		return parseZAdd(args)
	case "ZSCORE":
		return parseHGet(args) // same (key, subkey) shape as HGET.
	case "TSADD":
		return parseBulkSet(KindTSAdd, args, "TSADD", true)
	case "TSRANGEBYTIME":
		return parseTsRangeByTime(args)
	case "ZRANGEBYSCORE":
		return parseZRangeByScore(args)
	case "ZREVRANGE":
		return parseZRevRange(args)
	case "LPUSH":
		return parseKeyValue(KindLPush, args, "LPUSH")
	case "RPUSH":
		return parseKeyValue(KindRPush, args, "RPUSH")
	case "LPOP":
		return parseSimpleKey(KindLPop, args, "LPOP")
	case "RPOP":
		return parseSimpleKey(KindRPop, args, "RPOP")
	case "GETRANGE":
		return parseGetRange(args)
	default:
		return Request{}, tableterr.New(tableterr.InvalidCommand, "unknown command %q", name)
	}
}

func parseSet(args [][]byte) (Request, error) {
	if len(args) < 2 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "a SET request must have a non empty key field")
	}
	if len(args[0]) == 0 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "a SET request must have a non empty key field")
	}
	req := Request{Kind: KindSet, Key: args[0], Value: args[1]}

	idx := 2
	for idx < len(args) {
		upper := strings.ToUpper(string(args[idx]))
		switch upper {
		case "EX", "PX":
			if idx+1 >= len(args) {
				return Request{}, tableterr.New(tableterr.InvalidCommand, "expected TTL field after the %s flag, no value found", upper)
			}
			ttl, err := parseInt64(args[idx+1], "TTL")
			if err != nil {
				return Request{}, err
			}
			unitMs := int64(1000)
			if upper == "PX" {
				unitMs = 1
			}
			if ttl < MinTTLSeconds*1000/unitMs || ttl > MaxTTLSeconds*1000/unitMs {
				return Request{}, tableterr.New(tableterr.InvalidCommand, "TTL field %d is not within valid bounds", ttl)
			}
			req.TTLMs = ttl * unitMs
			idx += 2
		case "XX":
			req.Mode = WriteModeUpdateOnly
			idx++
		case "NX":
			req.Mode = WriteModeInsertOnly
			idx++
		default:
			return Request{}, tableterr.New(tableterr.InvalidCommand, "unidentified argument %q found while parsing SET command", args[idx])
		}
	}
	return req, nil
}

func parseGetSet(args [][]byte) (Request, error) {
	if len(args) < 2 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "GETSET requires key and value")
	}
	return Request{Kind: KindGetSet, Key: args[0], Value: args[1]}, nil
}

func parseSimpleKey(kind Kind, args [][]byte, cmdName string) (Request, error) {
	if len(args) < 1 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "%s requires a key", cmdName)
	}
	return Request{Kind: kind, Key: args[0]}, nil
}

func parseKeyValue(kind Kind, args [][]byte, cmdName string) (Request, error) {
	if len(args) < 2 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "%s requires key and value", cmdName)
	}
	return Request{Kind: kind, Key: args[0], Value: args[1]}, nil
}

func parseKeyIncr(kind Kind, args [][]byte, cmdName string) (Request, error) {
	if len(args) < 2 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "%s requires key and increment", cmdName)
	}
	n, err := parseInt64(args[1], "increment")
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: kind, Key: args[0], IncrBy: n}, nil
}

// parseBulkSet implements the hash/timeseries bulk-set command family
// (HSET, HMSET, TSADD): a key followed by an even run of trailing
// (subkey, value) pairs, preserved in input order even when a subkey
// repeats (see parseMembership for the membership-style family, which
// dedupes instead, per spec.md's "preserves order otherwise"). When
// allowTTL is set (TSADD), a trailing EXPIREAT <ts> or EXPIREIN <sec>
// pair is consumed first and must appear at the very end.
func parseBulkSet(kind Kind, args [][]byte, cmdName string, allowTTL bool) (Request, error) {
	if len(args) < 3 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "%s requires a key and at least one field/value pair", cmdName)
	}
	req := Request{Kind: kind, Key: args[0]}
	rest := args[1:]

	if allowTTL && len(rest) >= 2 {
		upper := strings.ToUpper(string(rest[len(rest)-2]))
		if upper == "EXPIREAT" || upper == "EXPIREIN" {
			ttl, err := parseInt64(rest[len(rest)-1], "TTL")
			if err != nil {
				return Request{}, err
			}
			if upper == "EXPIREAT" {
				ttl -= time.Now().Unix()
			}
			if ttl < MinTTLSeconds || ttl > MaxTTLSeconds {
				return Request{}, tableterr.New(tableterr.InvalidCommand, "TTL field %d is not within valid bounds", ttl)
			}
			req.TTLMs = ttl * 1000
			rest = rest[:len(rest)-2]
		}
	}

	if len(rest) == 0 || len(rest)%2 != 0 {
		return Request{}, tableterr.New(tableterr.InvalidArgument, "expect even and non-zero number of field/value arguments for %s, found %d", cmdName, len(rest))
	}
	pairs := make([]FieldValuePair, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		pairs = append(pairs, FieldValuePair{Field: rest[i], Value: rest[i+1]})
	}
	req.FieldValues = pairs
	return req, nil
}

// parseMembership implements the hash/set/sorted-set membership-style
// command family (HDEL, SADD, SREM, ZREM): a key followed by a
// trailing list of subkeys, de-duplicated in first-seen order.
func parseMembership(kind Kind, args [][]byte, cmdName string) (Request, error) {
	if len(args) < 2 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "%s requires a key and at least one member", cmdName)
	}
	seen := make(map[string]struct{}, len(args)-1)
	subkeys := make([][]byte, 0, len(args)-1)
	for _, a := range args[1:] {
		s := string(a)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		subkeys = append(subkeys, a)
	}
	return Request{Kind: kind, Key: args[0], SubKeys: subkeys}, nil
}

func parseHGet(args [][]byte) (Request, error) {
	if len(args) < 2 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "requires key and field")
	}
	return Request{Kind: KindHGet, Key: args[0], SubKey: args[1]}, nil
}

func parseHIncrBy(args [][]byte) (Request, error) {
	if len(args) < 3 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "HINCRBY requires key, field and increment")
	}
	n, err := parseInt64(args[2], "INCR_BY")
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: KindHIncrBy, Key: args[0], SubKey: args[1], IncrBy: n}, nil
}

// parseZAddOptions consumes leading CH/INCR/NX/XX flags starting at
// args[idx], returning the options found and the index of the first
// non-flag token, matching ParseZAddOptions: duplicate flags behave
// like seeing the flag once, and NX+XX together is rejected.
func parseZAddOptions(args [][]byte, idx int) (ZAddOptions, int, error) {
	var opts ZAddOptions
	for idx < len(args) {
		upper := strings.ToUpper(string(args[idx]))
		switch upper {
		case "CH":
			opts.CH = true
		case "INCR":
			opts.Incr = true
		case "NX":
			if opts.Update == WriteModeUpdateOnly {
				return opts, idx, tableterr.New(tableterr.InvalidArgument, "XX and NX options at the same time are not compatible")
			}
			opts.Update = WriteModeInsertOnly
		case "XX":
			if opts.Update == WriteModeInsertOnly {
				return opts, idx, tableterr.New(tableterr.InvalidArgument, "XX and NX options at the same time are not compatible")
			}
			opts.Update = WriteModeUpdateOnly
		default:
			return opts, idx, nil
		}
		idx++
	}
	return opts, idx, nil
}

func parseZAdd(args [][]byte) (Request, error) {
	if len(args) < 1 {
		return Request{}, tableterr.New(tableterr.InvalidArgument, "ZADD requires a key")
	}
	key := args[0]
	opts, idx, err := parseZAddOptions(args, 1)
	if err != nil {
		return Request{}, err
	}
	if opts.Incr && len(args)-idx != 2 {
		return Request{}, tableterr.New(tableterr.InvalidArgument, "wrong number of tokens after INCR flag specified: need 2 but found %d", len(args)-idx)
	}
	rest := args[idx:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return Request{}, tableterr.New(tableterr.InvalidArgument, "expect even and non-zero number of score/member arguments, found %d", len(rest))
	}
	pairs := make([]ScoreMemberPair, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		pairs = append(pairs, ScoreMemberPair{Score: rest[i], Member: rest[i+1]})
	}
	return Request{Kind: KindZAdd, Key: key, ZAddOptions: opts, Pairs: pairs}, nil
}

func parseGetRange(args [][]byte) (Request, error) {
	if len(args) < 3 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "GETRANGE requires key, start and end")
	}
	start, err := parseInt32(args[1], "Start")
	if err != nil {
		return Request{}, err
	}
	end, err := parseInt32(args[2], "End")
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: KindRangeRead, Key: args[0], RangeStart: int64(start), RangeEnd: int64(end)}, nil
}

// parseScoreBound parses one ZRANGEBYSCORE endpoint: +inf/-inf, or a
// finite score with an optional leading "(" marking it exclusive.
func parseScoreBound(b []byte) (RangeBound, error) {
	s := string(b)
	if strings.EqualFold(s, posInfToken) {
		return RangeBound{PosInf: true}, nil
	}
	if strings.EqualFold(s, negInfToken) {
		return RangeBound{NegInf: true}, nil
	}
	exclusive := false
	if len(s) > 1 && s[0] == '(' {
		exclusive = true
		s = s[1:]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return RangeBound{}, tableterr.New(tableterr.InvalidArgument, "score bound %q is not a valid number", b)
	}
	return RangeBound{Float: f, Exclusive: exclusive}, nil
}

// parseTimeBound parses one TSRANGEBYTIME endpoint: +inf/-inf, or a
// signed 64-bit timestamp with an optional leading "(" marking it
// exclusive.
func parseTimeBound(b []byte) (RangeBound, error) {
	s := string(b)
	if strings.EqualFold(s, posInfToken) {
		return RangeBound{PosInf: true}, nil
	}
	if strings.EqualFold(s, negInfToken) {
		return RangeBound{NegInf: true}, nil
	}
	exclusive := false
	if len(s) > 1 && s[0] == '(' {
		exclusive = true
		s = s[1:]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return RangeBound{}, tableterr.New(tableterr.InvalidArgument, "timestamp bound %q is not a valid number", b)
	}
	return RangeBound{Int: n, Exclusive: exclusive}, nil
}

// parseIndexBound parses one ZREVRANGE endpoint: a signed index, with
// an optional leading "(" marking it exclusive. ZREVRANGE has no
// +inf/-inf sentinels.
func parseIndexBound(b []byte) (RangeBound, error) {
	s := string(b)
	exclusive := false
	if len(s) > 1 && s[0] == '(' {
		exclusive = true
		s = s[1:]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return RangeBound{}, tableterr.New(tableterr.InvalidArgument, "index bound %q is not a valid number", b)
	}
	return RangeBound{Int: n, Exclusive: exclusive}, nil
}

func parseTsRangeByTime(args [][]byte) (Request, error) {
	if len(args) < 3 {
		return Request{}, tableterr.New(tableterr.InvalidCommand, "TSRANGEBYTIME requires key, low and high bounds")
	}
	lower, err := parseTimeBound(args[1])
	if err != nil {
		return Request{}, err
	}
	upper, err := parseTimeBound(args[2])
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: KindTSRangeByTime, Key: args[0], RangeLower: lower, RangeUpper: upper}, nil
}

func parseZRangeByScore(args [][]byte) (Request, error) {
	if len(args) < 3 || len(args) > 4 {
		return Request{}, tableterr.New(tableterr.InvalidArgument, "ZRANGEBYSCORE expects 3 or 4 arguments, found %d", len(args))
	}
	lower, err := parseScoreBound(args[1])
	if err != nil {
		return Request{}, err
	}
	upper, err := parseScoreBound(args[2])
	if err != nil {
		return Request{}, err
	}
	req := Request{Kind: KindZRangeByScore, Key: args[0], RangeLower: lower, RangeUpper: upper}
	if len(args) == 4 {
		if !strings.EqualFold(string(args[3]), withScores) {
			return Request{}, tableterr.New(tableterr.InvalidArgument, "unexpected argument %q", args[3])
		}
		req.WithScores = true
	}
	return req, nil
}

func parseZRevRange(args [][]byte) (Request, error) {
	if len(args) < 3 || len(args) > 4 {
		return Request{}, tableterr.New(tableterr.InvalidArgument, "ZREVRANGE expects 3 or 4 arguments, found %d", len(args))
	}
	lower, err := parseIndexBound(args[1])
	if err != nil {
		return Request{}, err
	}
	upper, err := parseIndexBound(args[2])
	if err != nil {
		return Request{}, err
	}
	req := Request{Kind: KindZRevRange, Key: args[0], RangeLower: lower, RangeUpper: upper}
	if len(args) == 4 {
		if !strings.EqualFold(string(args[3]), withScores) {
			return Request{}, tableterr.New(tableterr.InvalidArgument, "unexpected argument %q", args[3])
		}
		req.WithScores = true
	}
	return req, nil
}

func parseInt64(b []byte, field string) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, tableterr.New(tableterr.InvalidArgument, "%s field %q is not a valid number", field, b)
	}
	return n, nil
}

func parseInt32(b []byte, field string) (int32, error) {
	n, err := parseInt64(b, field)
	if err != nil {
		return 0, err
	}
	if n < -(1<<31) || n > (1<<31)-1 {
		return 0, tableterr.New(tableterr.InvalidArgument, "%s field %q is not within valid bounds", field, b)
	}
	return int32(n), nil
}
