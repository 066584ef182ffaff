package engine

import "github.com/twpayne/go-geos"

// CascadedUnion unions geometries pairwise, halving the set each level.
// The inputs are left untouched.
func CascadedUnion(geometries []*geos.Geom) *geos.Geom {
	switch len(geometries) {
	case 0:
		return nil
	case 1:
		return geometries[0].Clone()
	}

	mid := len(geometries) / 2
	left := CascadedUnion(geometries[:mid])
	right := CascadedUnion(geometries[mid:])

	result := left.Union(right)

	// intermediate unions are no longer needed
	left.Destroy()
	right.Destroy()

	return result
}
