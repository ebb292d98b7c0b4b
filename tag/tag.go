// Package tag provides Avro (de)serialization of Arweave transaction and
// data item tags.
package tag

import (
	"encoding/binary"
	"errors"

	"github.com/linkedin/goavro/v2"
)

const avroTagSchema = `
{
	"type": "array",
	"items": {
		"type": "record",
		"name": "Tag",
		"fields": [
			{ "name": "name", "type": "bytes" },
			{ "name": "value", "type": "bytes" }
		]
	}
}`

func fromAvro(data []byte) (*[]Tag, error) {
	codec, err := goavro.NewCodec(avroTagSchema)
	if err != nil {
		return nil, err
	}

	avroTags, _, err := codec.NativeFromBinary(data)
	if err != nil {
		return nil, err
	}

	tags := []Tag{}

	for _, v := range avroTags.([]any) {
		tag := v.(map[string]any)
		tags = append(tags, Tag{Name: string(tag["name"].([]byte)), Value: string(tag["value"].([]byte))})
	}
	return &tags, err
}

func toAvro(tags *[]Tag) ([]byte, error) {
	codec, err := goavro.NewCodec(avroTagSchema)
	if err != nil {
		return nil, err
	}

	avroTags := []map[string]any{}

	for _, tag := range *tags {
		m := map[string]any{"name": []byte(tag.Name), "value": []byte(tag.Value)}
		avroTags = append(avroTags, m)
	}
	data, err := codec.BinaryFromNative(nil, avroTags)
	if err != nil {
		return nil, err
	}
	return data, err
}

// Converts readable Tag data into avro-encoded byte data
// Learn more: https://github.com/ArweaveTeam/arweave-standards/blob/master/ans/ANS-104.md
func Serialize(tags *[]Tag) ([]byte, error) {
	if len(*tags) > 0 {
		data, err := toAvro(tags)
		if err != nil {
			return nil, err
		}

		return data, nil
	}
	return nil, nil
}

// Converts avro-encoded byte data into readable Tag data. startAt must
// point at the 16-byte count header (an 8-byte little-endian tag count
// followed by an 8-byte little-endian tag byte count) that precedes the
// Avro block; the returned end offset is the first byte past the tags.
// Learn more: https://github.com/ArweaveTeam/arweave-standards/blob/master/ans/ANS-104.md
func Deserialize(data []byte, startAt int) (*[]Tag, int, error) {
	tags := &[]Tag{}
	tagsEnd := startAt + 8 + 8
	if len(data) < tagsEnd {
		return tags, tagsEnd, errors.New("invalid data item - truncated tag count header")
	}
	numberOfTags := int(binary.LittleEndian.Uint64(data[startAt : startAt+8]))
	numberOfTagBytes := int(binary.LittleEndian.Uint64(data[startAt+8 : tagsEnd]))
	if numberOfTags > 128 {
		return tags, tagsEnd, errors.New("invalid data item - max tags 128")
	}
	if numberOfTags > 0 && numberOfTagBytes > 0 {
		bytesDataEnd := tagsEnd + numberOfTagBytes
		if len(data) < bytesDataEnd {
			return tags, tagsEnd, errors.New("invalid data item - truncated tag bytes")
		}
		tags, err := fromAvro(data[tagsEnd:bytesDataEnd])
		if err != nil {
			return nil, tagsEnd, err
		}
		return tags, bytesDataEnd, nil
	}
	return tags, tagsEnd, nil
}
