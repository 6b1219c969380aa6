package normalize

import "encoding/json"

const (
	ProfileGeneric        = "generic"
	ProfileAndroidGateway = "android-gateway"
	ProfileModemPool      = "modem-pool"
)

// jsonProfile decodes into a typed payload struct and converts it.
type jsonProfile[T any] struct {
	name    string
	convert func(T) Extracted
}

func (p jsonProfile[T]) Name() string { return p.name }

func (p jsonProfile[T]) Extract(raw []byte) (Extracted, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return Extracted{}, err
	}
	return p.convert(v), nil
}

// Builtin returns the profiles every deployment knows about.
func Builtin() []Profile {
	return []Profile{
		jsonProfile[genericPayload]{name: ProfileGeneric, convert: genericPayload.extract},
		jsonProfile[androidPayload]{name: ProfileAndroidGateway, convert: androidPayload.extract},
		jsonProfile[modemPoolPayload]{name: ProfileModemPool, convert: modemPoolPayload.extract},
	}
}

type genericPayload struct {
	From      flexString `json:"from"`
	To        flexString `json:"to"`
	Message   string     `json:"message"`
	Body      string     `json:"body"`
	MessageID flexString `json:"messageId"`
	Timestamp flexTime   `json:"timestamp"`
	ModemID   flexString `json:"modemId"`
	PortID    flexString `json:"portId"`
}

func (p genericPayload) extract() Extracted {
	body := p.Message
	if body == "" {
		body = p.Body
	}
	ts, ok := p.Timestamp.get()
	return Extracted{
		From:         p.From.String(),
		To:           p.To.String(),
		Body:         body,
		MessageID:    p.MessageID.String(),
		ModemID:      p.ModemID.String(),
		PortID:       p.PortID.String(),
		Timestamp:    ts,
		HasTimestamp: ok,
	}
}

// androidPayload is the shape posted by phone-based SMS gateway apps.
type androidPayload struct {
	From       flexString `json:"from"`
	Receiver   flexString `json:"receiver"`
	Message    string     `json:"message"`
	Text       string     `json:"text"`
	MessageID  flexString `json:"messageId"`
	ReceivedAt flexTime   `json:"receivedAt"`
	DeviceID   flexString `json:"deviceId"`
	SimSlot    flexString `json:"simSlot"`
}

func (p androidPayload) extract() Extracted {
	body := p.Message
	if body == "" {
		body = p.Text
	}
	ts, ok := p.ReceivedAt.get()
	return Extracted{
		From:         p.From.String(),
		To:           p.Receiver.String(),
		Body:         body,
		MessageID:    p.MessageID.String(),
		ModemID:      p.DeviceID.String(),
		PortID:       p.SimSlot.String(),
		Timestamp:    ts,
		HasTimestamp: ok,
	}
}

// modemPoolPayload is the shape posted by multi-port GSM modem banks.
type modemPoolPayload struct {
	Sender    flexString `json:"sender"`
	Recipient flexString `json:"recipient"`
	Body      string     `json:"body"`
	ID        flexString `json:"id"`
	Time      flexTime   `json:"time"`
	Modem     flexString `json:"modem"`
	Port      flexString `json:"port"`
}

func (p modemPoolPayload) extract() Extracted {
	ts, ok := p.Time.get()
	return Extracted{
		From:         p.Sender.String(),
		To:           p.Recipient.String(),
		Body:         p.Body,
		MessageID:    p.ID.String(),
		ModemID:      p.Modem.String(),
		PortID:       p.Port.String(),
		Timestamp:    ts,
		HasTimestamp: ok,
	}
}
