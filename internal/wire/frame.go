package wire

// Teleop control frames follow a minimal topic protocol: a topic is
// advertised with its payload type before the first publish and
// unadvertised when the channel shuts down.

const (
	OpAdvertise   = "advertise"
	OpPublish     = "publish"
	OpUnadvertise = "unadvertise"
)

// Vector3 is one axis triple of a velocity command.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Twist pairs the linear and angular velocity vectors of a command.
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// NewTwist builds the wire form of a planar velocity pair: linear
// velocity rides on linear.x, angular velocity on angular.z.
func NewTwist(linear, angular float64) Twist {
	return Twist{
		Linear:  Vector3{X: linear},
		Angular: Vector3{Z: angular},
	}
}

// AdvertiseFrame declares a named, typed topic.
type AdvertiseFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

// PublishFrame carries one velocity command on an advertised topic.
type PublishFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Msg   Twist  `json:"msg"`
}

// UnadvertiseFrame retires a topic.
type UnadvertiseFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

func NewAdvertise(topic, payloadType string) AdvertiseFrame {
	return AdvertiseFrame{Op: OpAdvertise, Topic: topic, Type: payloadType}
}

func NewPublish(topic string, linear, angular float64) PublishFrame {
	return PublishFrame{Op: OpPublish, Topic: topic, Msg: NewTwist(linear, angular)}
}

func NewUnadvertise(topic string) UnadvertiseFrame {
	return UnadvertiseFrame{Op: OpUnadvertise, Topic: topic}
}
