package payment

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message types of the BIP70 payment protocol, encoded by hand with
// protowire. Field numbers follow paymentrequest.proto.

type Output struct {
	Amount uint64
	Script []byte
}

type PaymentDetails struct {
	Network      string
	Outputs      []Output
	Time         uint64
	Expires      uint64
	Memo         string
	PaymentUrl   string
	MerchantData []byte
}

type PaymentRequest struct {
	DetailsVersion    uint32
	PkiType           string
	PkiData           []byte
	SerializedDetails []byte
	// Signature is encoded whenever it is non-nil, so an empty slice
	// produces the message that gets signed.
	Signature []byte
}

type X509Certificates struct {
	Certificates [][]byte
}

type Payment struct {
	MerchantData []byte
	Transactions [][]byte
	RefundTo     []Output
	Memo         string
}

type PaymentACK struct {
	Payment Payment
	Memo    string
}

func (o *Output) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Amount)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, o.Script)
	return b
}

func UnmarshalOutput(b []byte) (*Output, error) {
	o := &Output{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			o.Amount = f.varint
		case 2:
			o.Script = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	return o, nil
}

func (d *PaymentDetails) Marshal() []byte {
	var b []byte
	if d.Network != "" {
		b = appendString(b, 1, d.Network)
	}
	for _, o := range d.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, o.Marshal())
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, d.Time)
	if d.Expires != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, d.Expires)
	}
	if d.Memo != "" {
		b = appendString(b, 5, d.Memo)
	}
	if d.PaymentUrl != "" {
		b = appendString(b, 6, d.PaymentUrl)
	}
	if d.MerchantData != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, d.MerchantData)
	}
	return b
}

func UnmarshalPaymentDetails(b []byte) (*PaymentDetails, error) {
	d := &PaymentDetails{Network: "main"}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			d.Network = string(f.bytes)
		case 2:
			o, err := UnmarshalOutput(f.bytes)
			if err != nil {
				return err
			}
			d.Outputs = append(d.Outputs, *o)
		case 3:
			d.Time = f.varint
		case 4:
			d.Expires = f.varint
		case 5:
			d.Memo = string(f.bytes)
		case 6:
			d.PaymentUrl = string(f.bytes)
		case 7:
			d.MerchantData = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payment details: %w", err)
	}
	return d, nil
}

func (r *PaymentRequest) Marshal() []byte {
	var b []byte
	if r.DetailsVersion != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.DetailsVersion))
	}
	if r.PkiType != "" {
		b = appendString(b, 2, r.PkiType)
	}
	if r.PkiData != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.PkiData)
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, r.SerializedDetails)
	if r.Signature != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Signature)
	}
	return b
}

func UnmarshalPaymentRequest(b []byte) (*PaymentRequest, error) {
	r := &PaymentRequest{DetailsVersion: 1, PkiType: "none"}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			r.DetailsVersion = uint32(f.varint)
		case 2:
			r.PkiType = string(f.bytes)
		case 3:
			r.PkiData = f.bytes
		case 4:
			r.SerializedDetails = f.bytes
		case 5:
			r.Signature = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payment request: %w", err)
	}
	return r, nil
}

func (c *X509Certificates) Marshal() []byte {
	var b []byte
	for _, cert := range c.Certificates {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, cert)
	}
	return b
}

func UnmarshalX509Certificates(b []byte) (*X509Certificates, error) {
	c := &X509Certificates{}
	err := walk(b, func(num protowire.Number, f field) error {
		if num == 1 {
			c.Certificates = append(c.Certificates, f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("x509 certificates: %w", err)
	}
	return c, nil
}

func (p *Payment) Marshal() []byte {
	var b []byte
	if p.MerchantData != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.MerchantData)
	}
	for _, tx := range p.Transactions {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, tx)
	}
	for _, o := range p.RefundTo {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, o.Marshal())
	}
	if p.Memo != "" {
		b = appendString(b, 4, p.Memo)
	}
	return b
}

func UnmarshalPayment(b []byte) (*Payment, error) {
	p := &Payment{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			p.MerchantData = f.bytes
		case 2:
			p.Transactions = append(p.Transactions, f.bytes)
		case 3:
			o, err := UnmarshalOutput(f.bytes)
			if err != nil {
				return err
			}
			p.RefundTo = append(p.RefundTo, *o)
		case 4:
			p.Memo = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payment: %w", err)
	}
	return p, nil
}

func (a *PaymentACK) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Payment.Marshal())
	if a.Memo != "" {
		b = appendString(b, 2, a.Memo)
	}
	return b
}

func UnmarshalPaymentACK(b []byte) (*PaymentACK, error) {
	a := &PaymentACK{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			p, err := UnmarshalPayment(f.bytes)
			if err != nil {
				return err
			}
			a.Payment = *p
		case 2:
			a.Memo = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payment ack: %w", err)
	}
	return a, nil
}

type field struct {
	varint uint64
	bytes  []byte
}

// walk calls fn for every field of b. Fields of other wire types are
// skipped.
func walk(b []byte, fn func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var f field
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
