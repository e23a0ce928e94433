// Package msgs holds the structured records carried on the simulator bus.
package msgs

// Well-known topics.
const (
	TopicResponse     = "~/response"
	TopicRequest      = "~/request"
	TopicFactory      = "~/factory"
	TopicWorldControl = "~/world_control"
	TopicModelInfo    = "~/model/info"
)

// Type tags.
const (
	TypeResponse     = "sim.msgs.Response"
	TypeRequest      = "sim.msgs.Request"
	TypeFactory      = "sim.msgs.Factory"
	TypeWorldControl = "sim.msgs.WorldControl"
	TypeModel        = "sim.msgs.Model"
)

// Request kinds understood by the simulator on TopicRequest.
const (
	RequestEntityDelete = "entity_delete"
	RequestEntityList   = "entity_list"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Request is a generic command. Data usually names the target entity.
type Request struct {
	ID      int64  `json:"id,omitempty"`
	Request string `json:"request"`
	Data    string `json:"data,omitempty"`
}

// Response answers a Request. ID echoes the request id when the simulator
// provides one, Data the target when it provides that.
type Response struct {
	ID       int64  `json:"id,omitempty"`
	Request  string `json:"request"`
	Response string `json:"response"`
	Type     string `json:"type,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Succeeded reports whether the response status is StatusSuccess.
func (r Response) Succeeded() bool {
	return r.Response == StatusSuccess
}

// Factory asks the simulator to insert a model.
type Factory struct {
	ModelURI string `json:"sdf_filename"`
	Name     string `json:"name,omitempty"`
	Pose     *Pose  `json:"pose,omitempty"`
}

type WorldControl struct {
	Pause     *bool  `json:"pause,omitempty"`
	Step      bool   `json:"step,omitempty"`
	MultiStep uint32 `json:"multi_step,omitempty"`
	Reset     bool   `json:"reset,omitempty"`
}

// Model is the entity state the simulator publishes on TopicModelInfo.
type Model struct {
	Name string `json:"name"`
	ID   uint32 `json:"id,omitempty"`
	URI  string `json:"uri,omitempty"`
	Pose *Pose  `json:"pose,omitempty"`
}
