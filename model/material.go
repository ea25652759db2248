package model

// Material describes what a particle carries.
type Material struct {
	ID   string
	Name string
	// Density in kg/m3.
	Density float64
	// Particulate is true for suspended solids, false for dissolved matter.
	Particulate bool
}
