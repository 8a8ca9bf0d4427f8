package protocol

import "github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"

// NewReceiptFrame 构造 RECEIPT 帧
func NewReceiptFrame(receiptID string) *stomp.Frame {
	return stomp.NewFrame(stomp.RECEIPT, stomp.HeaderReceiptID, receiptID)
}

// NewErrorFrame builds the ERROR frame sent before a session closes. The short
// message goes into the header, detail into a text body.
func NewErrorFrame(message, detail, receiptID string) *stomp.Frame {
	f := stomp.NewFrame(stomp.ERROR, stomp.HeaderMessage, message)
	if receiptID != "" {
		f.Add(stomp.HeaderReceiptID, receiptID)
	}
	if detail == "" {
		return f
	}
	f.Add(stomp.HeaderContentType, "text/plain")
	return f.WithBody([]byte(detail))
}
