package model

// Course is the parent aggregate of attendance sessions. It is owned by the
// course catalog; the engine only needs it to exist.
type Course struct {
	ID   string `json:"id" bson:"_id"`
	Name string `json:"name" bson:"name"`
}
