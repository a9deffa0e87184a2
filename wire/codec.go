package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. These are part of the protocol and must never be
// renumbered. Fields 1-3 of every request are the common header.
const (
	reqFieldServerID    = 1
	reqFieldRecipientID = 2
	reqFieldTerm        = 3

	voteReqFieldLastLogTerm  = 4
	voteReqFieldLastLogIndex = 5

	appendReqFieldPrevLogTerm  = 4
	appendReqFieldPrevLogIndex = 5
	appendReqFieldEntries      = 6
	appendReqFieldCommitIndex  = 7

	chunkReqFieldLastSnapshotIndex = 4
	chunkReqFieldByteOffset        = 5
	chunkReqFieldData              = 6
	chunkReqFieldDone              = 7

	respFieldTerm    = 1
	respFieldGranted = 2
	respFieldSuccess = 2

	versionsRespFieldMin = 2
	versionsRespFieldMax = 3

	entryFieldTerm          = 1
	entryFieldType          = 2
	entryFieldConfiguration = 3
	entryFieldData          = 4

	serverFieldID      = 1
	serverFieldAddress = 2

	simpleConfigFieldServers = 1

	configFieldPrev = 1
	configFieldNext = 2

	headerFieldLastIndex          = 1
	headerFieldLastTerm           = 2
	headerFieldConfigurationIndex = 3
	headerFieldConfiguration      = 4
)

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendSub writes a length-delimited submessage. Unlike appendBytesField it
// keeps the field even when the encoding is empty, to preserve presence.
func appendSub(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func consumeUint(data []byte, typ protowire.Type, num protowire.Number) (uint64, []byte, error) {
	if typ != protowire.VarintType {
		return 0, nil, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, data[n:], nil
}

func consumeBool(data []byte, typ protowire.Type, num protowire.Number) (bool, []byte, error) {
	v, rest, err := consumeUint(data, typ, num)
	return protowire.DecodeBool(v), rest, err
}

func consumeBytesField(data []byte, typ protowire.Type, num protowire.Number) ([]byte, []byte, error) {
	if typ != protowire.BytesType {
		return nil, nil, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, data[n:], nil
}

func skipField(data []byte, typ protowire.Type, num protowire.Number) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, data)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return data[n:], nil
}

func (s *Server) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, serverFieldID, s.ID)
	b = appendBytesField(b, serverFieldAddress, []byte(s.Address))
	return b, nil
}

func (s *Server) UnmarshalBinary(data []byte) error {
	*s = Server{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case serverFieldID:
			s.ID, data, err = consumeUint(data, typ, num)
		case serverFieldAddress:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			s.Address = string(v)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *SimpleConfiguration) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range c.Servers {
		sub, err := c.Servers[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = appendSub(b, simpleConfigFieldServers, sub)
	}
	return b, nil
}

func (c *SimpleConfiguration) UnmarshalBinary(data []byte) error {
	*c = SimpleConfiguration{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case simpleConfigFieldServers:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			if err != nil {
				return err
			}
			var srv Server
			if err = srv.UnmarshalBinary(v); err != nil {
				return err
			}
			c.Servers = append(c.Servers, srv)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Configuration) MarshalBinary() ([]byte, error) {
	var b []byte
	prev, err := c.Prev.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b = appendSub(b, configFieldPrev, prev)
	if c.Next != nil {
		next, err := c.Next.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = appendSub(b, configFieldNext, next)
	}
	return b, nil
}

func (c *Configuration) UnmarshalBinary(data []byte) error {
	*c = Configuration{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case configFieldPrev:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			if err != nil {
				return err
			}
			err = c.Prev.UnmarshalBinary(v)
		case configFieldNext:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			if err != nil {
				return err
			}
			c.Next = &SimpleConfiguration{}
			err = c.Next.UnmarshalBinary(v)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Entry) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, entryFieldTerm, e.Term)
	b = appendUint(b, entryFieldType, uint64(e.Type))
	switch e.Type {
	case EntryConfiguration:
		if e.Configuration == nil {
			return nil, fmt.Errorf("configuration entry without configuration")
		}
		sub, err := e.Configuration.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = appendSub(b, entryFieldConfiguration, sub)
	case EntryData:
		b = appendBytesField(b, entryFieldData, e.Data)
	case EntryNoop:
	default:
		return nil, fmt.Errorf("unknown entry type %d", e.Type)
	}
	return b, nil
}

func (e *Entry) UnmarshalBinary(data []byte) error {
	*e = Entry{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case entryFieldTerm:
			e.Term, data, err = consumeUint(data, typ, num)
		case entryFieldType:
			var v uint64
			v, data, err = consumeUint(data, typ, num)
			e.Type = EntryType(v)
		case entryFieldConfiguration:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			if err != nil {
				return err
			}
			e.Configuration = &Configuration{}
			err = e.Configuration.UnmarshalBinary(v)
		case entryFieldData:
			e.Data, data, err = consumeBytesField(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	switch e.Type {
	case EntryConfiguration, EntryData, EntryNoop:
		return nil
	default:
		return fmt.Errorf("unknown entry type %d", e.Type)
	}
}

func (m *RequestVoteRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, reqFieldServerID, m.ServerID)
	b = appendUint(b, reqFieldRecipientID, m.RecipientID)
	b = appendUint(b, reqFieldTerm, m.Term)
	b = appendUint(b, voteReqFieldLastLogTerm, m.LastLogTerm)
	b = appendUint(b, voteReqFieldLastLogIndex, m.LastLogIndex)
	return b, nil
}

func (m *RequestVoteRequest) UnmarshalBinary(data []byte) error {
	*m = RequestVoteRequest{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case reqFieldServerID:
			m.ServerID, data, err = consumeUint(data, typ, num)
		case reqFieldRecipientID:
			m.RecipientID, data, err = consumeUint(data, typ, num)
		case reqFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		case voteReqFieldLastLogTerm:
			m.LastLogTerm, data, err = consumeUint(data, typ, num)
		case voteReqFieldLastLogIndex:
			m.LastLogIndex, data, err = consumeUint(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *RequestVoteResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, respFieldTerm, m.Term)
	b = appendBool(b, respFieldGranted, m.Granted)
	return b, nil
}

func (m *RequestVoteResponse) UnmarshalBinary(data []byte) error {
	*m = RequestVoteResponse{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case respFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		case respFieldGranted:
			m.Granted, data, err = consumeBool(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *AppendEntriesRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, reqFieldServerID, m.ServerID)
	b = appendUint(b, reqFieldRecipientID, m.RecipientID)
	b = appendUint(b, reqFieldTerm, m.Term)
	b = appendUint(b, appendReqFieldPrevLogTerm, m.PrevLogTerm)
	b = appendUint(b, appendReqFieldPrevLogIndex, m.PrevLogIndex)
	for _, e := range m.Entries {
		sub, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = appendSub(b, appendReqFieldEntries, sub)
	}
	b = appendUint(b, appendReqFieldCommitIndex, m.CommitIndex)
	return b, nil
}

func (m *AppendEntriesRequest) UnmarshalBinary(data []byte) error {
	*m = AppendEntriesRequest{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case reqFieldServerID:
			m.ServerID, data, err = consumeUint(data, typ, num)
		case reqFieldRecipientID:
			m.RecipientID, data, err = consumeUint(data, typ, num)
		case reqFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		case appendReqFieldPrevLogTerm:
			m.PrevLogTerm, data, err = consumeUint(data, typ, num)
		case appendReqFieldPrevLogIndex:
			m.PrevLogIndex, data, err = consumeUint(data, typ, num)
		case appendReqFieldEntries:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			if err != nil {
				return err
			}
			e := &Entry{}
			if err = e.UnmarshalBinary(v); err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		case appendReqFieldCommitIndex:
			m.CommitIndex, data, err = consumeUint(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *AppendEntriesResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, respFieldTerm, m.Term)
	b = appendBool(b, respFieldSuccess, m.Success)
	return b, nil
}

func (m *AppendEntriesResponse) UnmarshalBinary(data []byte) error {
	*m = AppendEntriesResponse{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case respFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		case respFieldSuccess:
			m.Success, data, err = consumeBool(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *AppendSnapshotChunkRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, reqFieldServerID, m.ServerID)
	b = appendUint(b, reqFieldRecipientID, m.RecipientID)
	b = appendUint(b, reqFieldTerm, m.Term)
	b = appendUint(b, chunkReqFieldLastSnapshotIndex, m.LastSnapshotIndex)
	b = appendUint(b, chunkReqFieldByteOffset, m.ByteOffset)
	b = appendBytesField(b, chunkReqFieldData, m.Data)
	b = appendBool(b, chunkReqFieldDone, m.Done)
	return b, nil
}

func (m *AppendSnapshotChunkRequest) UnmarshalBinary(data []byte) error {
	*m = AppendSnapshotChunkRequest{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case reqFieldServerID:
			m.ServerID, data, err = consumeUint(data, typ, num)
		case reqFieldRecipientID:
			m.RecipientID, data, err = consumeUint(data, typ, num)
		case reqFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		case chunkReqFieldLastSnapshotIndex:
			m.LastSnapshotIndex, data, err = consumeUint(data, typ, num)
		case chunkReqFieldByteOffset:
			m.ByteOffset, data, err = consumeUint(data, typ, num)
		case chunkReqFieldData:
			m.Data, data, err = consumeBytesField(data, typ, num)
		case chunkReqFieldDone:
			m.Done, data, err = consumeBool(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *AppendSnapshotChunkResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, respFieldTerm, m.Term)
	return b, nil
}

func (m *AppendSnapshotChunkResponse) UnmarshalBinary(data []byte) error {
	*m = AppendSnapshotChunkResponse{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case respFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *GetSupportedRPCVersionsRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, reqFieldServerID, m.ServerID)
	b = appendUint(b, reqFieldRecipientID, m.RecipientID)
	b = appendUint(b, reqFieldTerm, m.Term)
	return b, nil
}

func (m *GetSupportedRPCVersionsRequest) UnmarshalBinary(data []byte) error {
	*m = GetSupportedRPCVersionsRequest{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case reqFieldServerID:
			m.ServerID, data, err = consumeUint(data, typ, num)
		case reqFieldRecipientID:
			m.RecipientID, data, err = consumeUint(data, typ, num)
		case reqFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *GetSupportedRPCVersionsResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, respFieldTerm, m.Term)
	b = appendUint(b, versionsRespFieldMin, m.MinVersion)
	b = appendUint(b, versionsRespFieldMax, m.MaxVersion)
	return b, nil
}

func (m *GetSupportedRPCVersionsResponse) UnmarshalBinary(data []byte) error {
	*m = GetSupportedRPCVersionsResponse{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case respFieldTerm:
			m.Term, data, err = consumeUint(data, typ, num)
		case versionsRespFieldMin:
			m.MinVersion, data, err = consumeUint(data, typ, num)
		case versionsRespFieldMax:
			m.MaxVersion, data, err = consumeUint(data, typ, num)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *SnapshotHeader) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, headerFieldLastIndex, h.LastIndex)
	b = appendUint(b, headerFieldLastTerm, h.LastTerm)
	b = appendUint(b, headerFieldConfigurationIndex, h.ConfigurationIndex)
	if h.Configuration != nil {
		sub, err := h.Configuration.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = appendSub(b, headerFieldConfiguration, sub)
	}
	return b, nil
}

func (h *SnapshotHeader) UnmarshalBinary(data []byte) error {
	*h = SnapshotHeader{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case headerFieldLastIndex:
			h.LastIndex, data, err = consumeUint(data, typ, num)
		case headerFieldLastTerm:
			h.LastTerm, data, err = consumeUint(data, typ, num)
		case headerFieldConfigurationIndex:
			h.ConfigurationIndex, data, err = consumeUint(data, typ, num)
		case headerFieldConfiguration:
			var v []byte
			v, data, err = consumeBytesField(data, typ, num)
			if err != nil {
				return err
			}
			h.Configuration = &Configuration{}
			err = h.Configuration.UnmarshalBinary(v)
		default:
			data, err = skipField(data, typ, num)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// EncodeSnapshot frames a snapshot stream: a length-prefixed header followed
// by the opaque application payload.
func EncodeSnapshot(h *SnapshotHeader, payload []byte) ([]byte, error) {
	hb, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := protowire.AppendBytes(nil, hb)
	return append(out, payload...), nil
}

// DecodeSnapshot splits a snapshot stream into its header and application
// payload. The returned payload aliases the input.
func DecodeSnapshot(stream []byte) (*SnapshotHeader, []byte, error) {
	hb, n := protowire.ConsumeBytes(stream)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	h := &SnapshotHeader{}
	if err := h.UnmarshalBinary(hb); err != nil {
		return nil, nil, err
	}
	return h, stream[n:], nil
}
