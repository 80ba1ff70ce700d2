// Package delivery holds the delivery status ordering rules and distance math.
package delivery

import (
	"math"
	"sort"

	"heladeria/backend/internal/domain"
)

const earthRadiusKM = 6371.0

// CreatedBy is recorded on history entries written by the checkout itself.
const CreatedBy = "system"

// DefaultStatuses seeds a fresh database.
func DefaultStatuses() []domain.DeliveryStatus {
	return []domain.DeliveryStatus{
		{ID: 1, Name: "Preparing", Description: "Order is being prepared", ColorCode: "#FFA500", Order: 1},
		{ID: 2, Name: "Ready", Description: "Order is ready for delivery", ColorCode: "#4CAF50", Order: 2},
		{ID: 3, Name: "Out for Delivery", Description: "Order is on its way", ColorCode: "#2196F3", Order: 3},
		{ID: 4, Name: "Delivered", Description: "Order has been delivered", ColorCode: "#9C27B0", Order: 4},
		{ID: 5, Name: "Cancelled", Description: "Order was cancelled", ColorCode: "#F44336", Order: 5},
	}
}

// Sorted returns statuses by ascending display order, ties broken by id.
func Sorted(statuses []domain.DeliveryStatus) []domain.DeliveryStatus {
	out := make([]domain.DeliveryStatus, len(statuses))
	copy(out, statuses)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// InitialStatus is the lowest ordered status.
func InitialStatus(statuses []domain.DeliveryStatus) (domain.DeliveryStatus, bool) {
	if len(statuses) == 0 {
		return domain.DeliveryStatus{}, false
	}
	return Sorted(statuses)[0], true
}

// DistanceKM is the haversine distance between two points, rounded to 2 decimals.
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return math.Round(earthRadiusKM*c*100) / 100
}

// Distance returns nil unless both ends have coordinates.
func Distance(store domain.Store, addr domain.DeliveryAddress) *float64 {
	if store.Latitude == nil || store.Longitude == nil || addr.Latitude == nil || addr.Longitude == nil {
		return nil
	}
	km := DistanceKM(*store.Latitude, *store.Longitude, *addr.Latitude, *addr.Longitude)
	return &km
}
