// Package fleet is the dashboard view-model: in-memory collections of fleet
// state whose edits flow to the backend through the sync core.
package fleet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/google/uuid"
)

// Logical tables of the fleet backend.
const (
	TableObras             = "obras"
	TableEquipment         = "equipment"
	TableFuelRecords       = "fuel_records"
	TableStoppages         = "stoppages"
	TableDailyLogEquipment = "daily_log_equipment"
	TableSiteStock         = "site_stock"
	TableUsers             = "users"
	TablePermissions       = "user_permissions"
)

// Equipment statuses shown on the dashboard.
const (
	StatusOperating   = "operating"
	StatusStopped     = "stopped"
	StatusMaintenance = "maintenance"
)

// NewEntityID returns a client-generated, time-ordered row identifier.
func NewEntityID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Obra is a construction site.
type Obra struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (o Obra) EntityID() string { return o.ID }

type Equipment struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Status string `json:"status"`
	ObraID string `json:"obra_id,omitempty"`
}

func (e Equipment) EntityID() string { return e.ID }

// FuelRecord is one refueling of a machine.
type FuelRecord struct {
	ID          string  `json:"id"`
	EquipmentID string  `json:"equipment_id"`
	Date        string  `json:"date"`
	Diesel      float64 `json:"diesel"`
	Odometer    float64 `json:"odometer,omitempty"`
	Operator    string  `json:"operator,omitempty"`
}

func (r FuelRecord) EntityID() string { return r.ID }

// Stoppage is a period during which a machine was out of service. An open
// stoppage has no EndedAt.
type Stoppage struct {
	ID          string     `json:"id"`
	EquipmentID string     `json:"equipment_id"`
	Reason      string     `json:"reason"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
}

func (s Stoppage) EntityID() string { return s.ID }

// DailyLogEquipment is a machine line of a site's daily log. Lines are entered
// with the site name; the owning obra is resolved when the line is written.
type DailyLogEquipment struct {
	ID          string  `json:"id"`
	DailyLogID  string  `json:"daily_log_id"`
	EquipmentID string  `json:"equipment_id"`
	ObraID      string  `json:"obra_id,omitempty"`
	ObraName    string  `json:"obra_name"`
	Hours       float64 `json:"hours"`
}

func (d DailyLogEquipment) EntityID() string { return d.ID }

// SiteStock is the quantity of one product held at one site.
type SiteStock struct {
	ObraID   string  `json:"obra_id"`
	Product  string  `json:"product"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
}

func (s SiteStock) EntityID() string { return s.ObraID + "/" + s.Product }

// NaturalKey addresses stock rows by site and product.
func (s SiteStock) NaturalKey() map[string]any {
	return map[string]any{"obra_id": s.ObraID, "product": s.Product}
}

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (u User) EntityID() string { return u.ID }

type Permission struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Module  string `json:"module"`
	CanEdit bool   `json:"can_edit"`
}

func (p Permission) EntityID() string { return p.ID }

// Snapshot is the full remote state held by a workspace and persisted in the snapshot cache.
type Snapshot struct {
	Obras             []Obra              `json:"obras"`
	Equipment         []Equipment         `json:"equipment"`
	FuelRecords       []FuelRecord        `json:"fuel_records"`
	Stoppages         []Stoppage          `json:"stoppages"`
	DailyLogEquipment []DailyLogEquipment `json:"daily_log_equipment"`
	SiteStock         []SiteStock         `json:"site_stock"`
	Users             []User              `json:"users,omitempty"`
	Permissions       []Permission        `json:"permissions,omitempty"`
	FetchedAt         time.Time           `json:"fetched_at"`
}

// toRow converts an entity into its wire row.
func toRow(entity any) protocol.Row {
	encoded, err := json.Marshal(entity)
	if err != nil {
		return nil
	}
	var row protocol.Row
	if err := json.Unmarshal(encoded, &row); err != nil {
		return nil
	}
	return row
}

func fromRows[E any](table string, rows []protocol.Row) ([]E, error) {
	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("fleet: encode %s rows: %w", table, err)
	}
	entities := make([]E, 0, len(rows))
	if err := json.Unmarshal(encoded, &entities); err != nil {
		return nil, fmt.Errorf("fleet: decode %s rows: %w", table, err)
	}
	return entities, nil
}
