package devserver

import (
	"github.com/clipnote/capsync/encoding"
)

func mustPK(v int64) []byte {
	data, err := encoding.MarshalValue(v)
	if err != nil {
		panic(err)
	}
	return data
}

func mustValue(v interface{}) []byte {
	data, err := encoding.MarshalValue(v)
	if err != nil {
		panic(err)
	}
	return data
}
