package protocol

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewNoticeMessage creates a clarification notice
func NewNoticeMessage(text, reason string) (*Message, error) {
	return NewMessage(TypeNotice, NoticeData{Text: text, Reason: reason})
}

// NewTextMessage creates a reply fragment message
func NewTextMessage(text string) (*Message, error) {
	return NewMessage(TypeText, TextData{Text: text})
}

// NewDoneMessage creates a reply completion message
func NewDoneMessage(reply string, shouldEnd bool) (*Message, error) {
	return NewMessage(TypeDone, DoneData{Reply: reply, ShouldEndCall: shouldEnd})
}

// NewErrorMessage creates an error message
func NewErrorMessage(msg string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Error: msg})
}

// NewCallMessage creates a call_started or call_ended message
func NewCallMessage(msgType MessageType, call CallData) (*Message, error) {
	return NewMessage(msgType, call)
}

// NewTurnMessage creates a monitor turn message
func NewTurnMessage(turn TurnData) (*Message, error) {
	return NewMessage(TypeTurn, turn)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// ParseControl interprets a client text frame. It returns the envelope and
// true only for well-formed envelopes of a known client type; anything else
// is a chat message carried verbatim.
func ParseControl(frame []byte) (*Message, bool) {
	msg, err := ParseMessage(frame)
	if err != nil {
		return nil, false
	}
	switch msg.Type {
	case TypeEndCall, TypeChat, TypePing:
		return msg, true
	default:
		return nil, false
	}
}

// GetChatData extracts chat data from a message
func (m *Message) GetChatData() (*ChatData, error) {
	var data ChatData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetNoticeData extracts notice data from a message
func (m *Message) GetNoticeData() (*NoticeData, error) {
	var data NoticeData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTextData extracts text data from a message
func (m *Message) GetTextData() (*TextData, error) {
	var data TextData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetDoneData extracts done data from a message
func (m *Message) GetDoneData() (*DoneData, error) {
	var data DoneData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts error data from a message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTurnData extracts turn data from a message
func (m *Message) GetTurnData() (*TurnData, error) {
	var data TurnData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
