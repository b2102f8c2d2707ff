package inbox

import "encoding/json"

// Serializer converts a registered payload type to and from the opaque
// string stored on Message.Payload. Any reversible codec suffices; the
// default is JSON.
type Serializer interface {
	Serialize(v any) (string, error)
	Deserialize(data string, v any) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONSerializer) Deserialize(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}
