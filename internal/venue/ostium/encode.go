package ostium

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// The signature commits to these bytes, so every field is written by hand in
// a fixed order; a generic struct encoder would tie the digest to Go field
// ordering.

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("type"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(action.Type); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("orders"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(action.Orders)); err != nil {
		return nil, err
	}
	for _, order := range action.Orders {
		if err := encodeOrderWire(enc, order); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("type"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(action.Type); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("cancels"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(action.Cancels)); err != nil {
		return nil, err
	}
	for _, cancel := range action.Cancels {
		if err := encodeCancelWire(enc, cancel); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeOrderWire(enc *msgpack.Encoder, order OrderWire) error {
	if order.Kind == "" {
		return errors.New("order kind is required")
	}
	if err := enc.EncodeMapLen(9); err != nil {
		return err
	}
	if err := enc.EncodeString("pair"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(order.Pair)); err != nil {
		return err
	}
	if err := enc.EncodeString("buy"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.Buy); err != nil {
		return err
	}
	if err := enc.EncodeString("price"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.Price); err != nil {
		return err
	}
	if err := enc.EncodeString("collateral"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.Collateral); err != nil {
		return err
	}
	if err := enc.EncodeString("leverage"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.Leverage); err != nil {
		return err
	}
	if err := enc.EncodeString("tp"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.TakeProfit); err != nil {
		return err
	}
	if err := enc.EncodeString("sl"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.StopLoss); err != nil {
		return err
	}
	if err := enc.EncodeString("kind"); err != nil {
		return err
	}
	if err := enc.EncodeString(string(order.Kind)); err != nil {
		return err
	}
	if err := enc.EncodeString("reduceOnly"); err != nil {
		return err
	}
	return enc.EncodeBool(order.ReduceOnly)
}

func encodeCancelWire(enc *msgpack.Encoder, cancel CancelWire) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString("pair"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(cancel.Pair)); err != nil {
		return err
	}
	if err := enc.EncodeString("orderId"); err != nil {
		return err
	}
	return enc.EncodeString(cancel.OrderID)
}
