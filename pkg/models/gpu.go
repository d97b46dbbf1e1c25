package models

// GPU is a listed GPU offered by a host.
// Availability is owned by the backend; it is false while a PENDING or
// ACTIVE session references the GPU.
type GPU struct {
	ID           string `json:"id"`
	Host         Party  `json:"host"`
	HostName     string `json:"host_name"`
	Name         string `json:"gpu_name"`
	Model        string `json:"gpu_model"`
	MemoryGB     int    `json:"gpu_memory"`
	PricePerHour Amount `json:"gpu_price"`
	Location     string `json:"gpu_location"`
	Available    bool   `json:"gpu_availability"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// UnmarshalJSON accepts either a full object or a bare id reference
func (g *GPU) UnmarshalJSON(data []byte) error {
	type gpu GPU
	return unmarshalRef(data, &g.ID, (*gpu)(g))
}

// GPUInput is the payload for creating or replacing a GPU listing
type GPUInput struct {
	Name         string  `json:"gpu_name" validate:"required"`
	Model        string  `json:"gpu_model" validate:"required"`
	MemoryGB     int     `json:"gpu_memory" validate:"gt=0"`
	PricePerHour float64 `json:"gpu_price" validate:"gt=0"`
	Location     string  `json:"gpu_location" validate:"required"`
	Available    bool    `json:"gpu_availability"`
}

// GPUPatch is a partial update of a GPU listing; nil fields are omitted
type GPUPatch struct {
	Name         *string  `json:"gpu_name,omitempty" validate:"omitempty,min=1"`
	Model        *string  `json:"gpu_model,omitempty" validate:"omitempty,min=1"`
	MemoryGB     *int     `json:"gpu_memory,omitempty" validate:"omitempty,gt=0"`
	PricePerHour *float64 `json:"gpu_price,omitempty" validate:"omitempty,gt=0"`
	Location     *string  `json:"gpu_location,omitempty" validate:"omitempty,min=1"`
	Available    *bool    `json:"gpu_availability,omitempty"`
}
