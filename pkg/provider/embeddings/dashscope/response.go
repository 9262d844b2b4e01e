package dashscope

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/flowexec/pkg/apierr"
)

// responseShape tags which of the two documented JSON layouts a response
// body uses.
type responseShape int

const (
	shapeUnknown responseShape = iota
	// shapeNative is {"output":{"embeddings":[{"embedding":[...]}]}}.
	shapeNative
	// shapeCompatible is the OpenAI-style {"data":[{"embedding":[...]}]}.
	shapeCompatible
)

func (s responseShape) itemsPath() string {
	switch s {
	case shapeNative:
		return "output.embeddings"
	case shapeCompatible:
		return "data"
	default:
		return ""
	}
}

// detectShape is the pure discriminator over a response body. A shape is
// only recognised when its array is present and non-empty.
func detectShape(body []byte) responseShape {
	if !gjson.ValidBytes(body) {
		return shapeUnknown
	}
	for _, s := range []responseShape{shapeNative, shapeCompatible} {
		items := gjson.GetBytes(body, s.itemsPath())
		if items.IsArray() && len(items.Array()) > 0 {
			return s
		}
	}
	return shapeUnknown
}

var errInvalidFormat = errors.New("invalid response format from DashScope embeddings API")

// parseEmbeddings extracts every item's vector, in order.
func parseEmbeddings(body []byte) ([][]float32, error) {
	shape := detectShape(body)
	if shape == shapeUnknown {
		return nil, apierr.Parse("embedding response", errInvalidFormat)
	}

	items := gjson.GetBytes(body, shape.itemsPath()).Array()
	out := make([][]float32, len(items))
	for i, item := range items {
		raw := item.Get("embedding")
		if !raw.IsArray() {
			return nil, apierr.Parse("embedding response", fmt.Errorf("item %d has no embedding array", i))
		}
		values := raw.Array()
		if len(values) == 0 {
			return nil, apierr.Parse("embedding response", fmt.Errorf("item %d has an empty embedding", i))
		}
		vec := make([]float32, len(values))
		for j, v := range values {
			if v.Type != gjson.Number {
				return nil, apierr.Parse("embedding response", fmt.Errorf("item %d value %d is not a number", i, j))
			}
			vec[j] = float32(v.Float())
		}
		out[i] = vec
	}
	return out, nil
}
