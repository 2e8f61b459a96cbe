package core

// Peer accounting: drop and handshake-failure taxonomies, reputation, and
// the 16-field binary codec used to persist PeerMetrics in the peers tree.

// DropReason categorizes discarded inbound frames.
type DropReason uint32

const (
	DropRateLimit DropReason = 0
	DropMalformed DropReason = 1
	DropBlacklist DropReason = 2
	DropDuplicate DropReason = 3
	DropTooBusy   DropReason = 4
	DropOther     DropReason = 5
)

func (d DropReason) String() string {
	switch d {
	case DropRateLimit:
		return "rate_limit"
	case DropMalformed:
		return "malformed"
	case DropBlacklist:
		return "blacklist"
	case DropDuplicate:
		return "duplicate"
	case DropTooBusy:
		return "too_busy"
	case DropOther:
		return "other"
	}
	return "unknown"
}

func dropReasonFromIndex(v uint32) (DropReason, error) {
	if v > uint32(DropOther) {
		return 0, errEnum("DropReason", uint64(v))
	}
	return DropReason(v), nil
}

// HandshakeError categorizes failed handshakes.
type HandshakeError uint32

const (
	HandshakeTls         HandshakeError = 0
	HandshakeVersion     HandshakeError = 1
	HandshakeTimeout     HandshakeError = 2
	HandshakeCertificate HandshakeError = 3
	HandshakeOther       HandshakeError = 4
)

func (h HandshakeError) String() string {
	switch h {
	case HandshakeTls:
		return "tls"
	case HandshakeVersion:
		return "version"
	case HandshakeTimeout:
		return "timeout"
	case HandshakeCertificate:
		return "certificate"
	case HandshakeOther:
		return "other"
	}
	return "unknown"
}

func handshakeErrorFromIndex(v uint32) (HandshakeError, error) {
	if v > uint32(HandshakeOther) {
		return 0, errEnum("HandshakeError", uint64(v))
	}
	return HandshakeError(v), nil
}

// PeerReputation scores a peer's behaviour; each rate-limit breach lowers it.
// Bans are decided by the breach count, not by the score.
type PeerReputation struct {
	Score float64
}

// PeerMetrics is the full accounting record for one peer.
type PeerMetrics struct {
	Requests         uint64
	BytesSent        uint64
	Sends            uint64
	Drops            map[DropReason]uint64
	HandshakeFail    map[HandshakeError]uint64
	HandshakeSuccess uint64
	LastHandshakeMs  uint64
	TlsErrors        uint64
	Reputation       PeerReputation
	LastUpdated      uint64
	ReqAvg           float64
	ByteAvg          float64
	ThrottledUntil   uint64
	ThrottleReason   string
	HasThrottleReason bool
	BackoffLevel     uint32
	SecStart         uint64

	// Per-second accounting, not persisted in the 16-field frame but
	// tracked alongside for rate limiting.
	SecRequests uint64
	SecBytes    uint64
	BreachCount uint32
}

func NewPeerMetrics() *PeerMetrics {
	return &PeerMetrics{
		Drops:         make(map[DropReason]uint64),
		HandshakeFail: make(map[HandshakeError]uint64),
	}
}

// EncodePeerMetrics writes the canonical 16-field frame.
func EncodePeerMetrics(m *PeerMetrics) []byte {
	w := NewWriter()
	w.BeginStruct(16)
	w.Field("requests", func(w *Writer) { w.WriteU64(m.Requests) })
	w.Field("bytes_sent", func(w *Writer) { w.WriteU64(m.BytesSent) })
	w.Field("sends", func(w *Writer) { w.WriteU64(m.Sends) })
	w.Field("drops", func(w *Writer) { encodeDropMap(w, m.Drops) })
	w.Field("handshake_fail", func(w *Writer) { encodeHandshakeMap(w, m.HandshakeFail) })
	w.Field("handshake_success", func(w *Writer) { w.WriteU64(m.HandshakeSuccess) })
	w.Field("last_handshake_ms", func(w *Writer) { w.WriteU64(m.LastHandshakeMs) })
	w.Field("tls_errors", func(w *Writer) { w.WriteU64(m.TlsErrors) })
	w.Field("reputation", func(w *Writer) { w.WriteF64(m.Reputation.Score) })
	w.Field("last_updated", func(w *Writer) { w.WriteU64(m.LastUpdated) })
	w.Field("req_avg", func(w *Writer) { w.WriteF64(m.ReqAvg) })
	w.Field("byte_avg", func(w *Writer) { w.WriteF64(m.ByteAvg) })
	w.Field("throttled_until", func(w *Writer) { w.WriteU64(m.ThrottledUntil) })
	w.Field("throttle_reason", func(w *Writer) {
		w.WriteOption(m.HasThrottleReason, func(w *Writer) { w.WriteString(m.ThrottleReason) })
	})
	w.Field("backoff_level", func(w *Writer) { w.WriteU32(m.BackoffLevel) })
	w.Field("sec_start", func(w *Writer) { w.WriteU64(m.SecStart) })
	return w.Bytes()
}

func encodeDropMap(w *Writer, drops map[DropReason]uint64) {
	// Fixed reason order keeps the encoding deterministic.
	var present []DropReason
	for r := DropRateLimit; r <= DropOther; r++ {
		if _, ok := drops[r]; ok {
			present = append(present, r)
		}
	}
	w.WriteU64(uint64(len(present)))
	for _, r := range present {
		w.WriteU32(uint32(r))
		w.WriteU64(drops[r])
	}
}

func encodeHandshakeMap(w *Writer, fails map[HandshakeError]uint64) {
	var present []HandshakeError
	for r := HandshakeTls; r <= HandshakeOther; r++ {
		if _, ok := fails[r]; ok {
			present = append(present, r)
		}
	}
	w.WriteU64(uint64(len(present)))
	for _, r := range present {
		w.WriteU32(uint32(r))
		w.WriteU64(fails[r])
	}
}

// DecodePeerMetrics parses the 16-field frame, rejecting unknown fields and
// trailing bytes.
func DecodePeerMetrics(b []byte) (*PeerMetrics, error) {
	r := NewReader(b)
	m := NewPeerMetrics()
	err := r.DecodeStruct("PeerMetrics", 16, func(key string, r *Reader) error {
		switch key {
		case "requests":
			v, err := r.ReadU64(key)
			m.Requests = v
			return err
		case "bytes_sent":
			v, err := r.ReadU64(key)
			m.BytesSent = v
			return err
		case "sends":
			v, err := r.ReadU64(key)
			m.Sends = v
			return err
		case "drops":
			return decodeDropMap(r, m.Drops)
		case "handshake_fail":
			return decodeHandshakeMap(r, m.HandshakeFail)
		case "handshake_success":
			v, err := r.ReadU64(key)
			m.HandshakeSuccess = v
			return err
		case "last_handshake_ms":
			v, err := r.ReadU64(key)
			m.LastHandshakeMs = v
			return err
		case "tls_errors":
			v, err := r.ReadU64(key)
			m.TlsErrors = v
			return err
		case "reputation":
			v, err := r.ReadF64(key)
			m.Reputation.Score = v
			return err
		case "last_updated":
			v, err := r.ReadU64(key)
			m.LastUpdated = v
			return err
		case "req_avg":
			v, err := r.ReadF64(key)
			m.ReqAvg = v
			return err
		case "byte_avg":
			v, err := r.ReadF64(key)
			m.ByteAvg = v
			return err
		case "throttled_until":
			v, err := r.ReadU64(key)
			m.ThrottledUntil = v
			return err
		case "throttle_reason":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				m.ThrottleReason = v
				m.HasThrottleReason = true
				return err
			})
			return err
		case "backoff_level":
			v, err := r.ReadU32(key)
			m.BackoffLevel = v
			return err
		case "sec_start":
			v, err := r.ReadU64(key)
			m.SecStart = v
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeDropMap(r *Reader, dst map[DropReason]uint64) error {
	n, err := r.ReadU64("drops count")
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		idx, err := r.ReadU32("drop reason")
		if err != nil {
			return err
		}
		reason, err := dropReasonFromIndex(idx)
		if err != nil {
			return err
		}
		count, err := r.ReadU64("drop count")
		if err != nil {
			return err
		}
		dst[reason] = count
	}
	return nil
}

func decodeHandshakeMap(r *Reader, dst map[HandshakeError]uint64) error {
	n, err := r.ReadU64("handshake_fail count")
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		idx, err := r.ReadU32("handshake error")
		if err != nil {
			return err
		}
		reason, err := handshakeErrorFromIndex(idx)
		if err != nil {
			return err
		}
		count, err := r.ReadU64("handshake fail count")
		if err != nil {
			return err
		}
		dst[reason] = count
	}
	return nil
}
