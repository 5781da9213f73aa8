package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SeatClass string

const (
	SeatClassStandard SeatClass = "STANDARD"
	SeatClassPremium  SeatClass = "PREMIUM"
	SeatClassVIP      SeatClass = "VIP"
)

func (c SeatClass) Valid() bool {
	switch c {
	case SeatClassStandard, SeatClassPremium, SeatClassVIP:
		return true
	}
	return false
}

type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatHeld      SeatStatus = "HELD"
	SeatBooked    SeatStatus = "BOOKED"
)

// Showtime is the catalog view of a screening. Prices are read from here at
// reservation time and never taken from the client.
type Showtime struct {
	ID          uuid.UUID
	MovieID     uuid.UUID
	Screen      string
	StartsAt    time.Time
	BasePrice   decimal.Decimal
	ClassPrices map[SeatClass]decimal.Decimal
	TotalSeats  int
	Active      bool
}

// PriceFor returns the unit price of a seat of the given class.
func (s Showtime) PriceFor(class SeatClass) decimal.Decimal {
	if p, ok := s.ClassPrices[class]; ok {
		return p
	}
	return s.BasePrice
}

type Seat struct {
	ID            uuid.UUID
	ShowtimeID    uuid.UUID
	Row           string
	Column        int
	Class         SeatClass
	Status        SeatStatus
	HoldToken     *uuid.UUID
	BookingID     *uuid.UUID
	HoldExpiresAt *time.Time
	Version       int
}

func (s Seat) Label() string {
	return fmt.Sprintf("%s%d", s.Row, s.Column)
}

func (s Seat) IsAvailable() bool {
	return s.Status == SeatAvailable
}

// ReservationToken identifies one all-or-nothing hold on a set of seats.
type ReservationToken struct {
	ID         uuid.UUID
	ShowtimeID uuid.UUID
	SeatIDs    []uuid.UUID
	ExpiresAt  time.Time
}

// SeatLayout describes how a seat map is generated for a showtime.
type SeatLayout struct {
	Rows        []string
	SeatsPerRow int
	RowClasses  map[string]SeatClass
}

func DefaultSeatLayout() SeatLayout {
	return SeatLayout{
		Rows:        []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"},
		SeatsPerRow: 10,
	}
}

// GenerateSeats builds the AVAILABLE seat map for a showtime.
func GenerateSeats(showtimeID uuid.UUID, layout SeatLayout) []Seat {
	seats := make([]Seat, 0, len(layout.Rows)*layout.SeatsPerRow)
	for _, row := range layout.Rows {
		class, ok := layout.RowClasses[row]
		if !ok {
			class = SeatClassStandard
		}
		for col := 1; col <= layout.SeatsPerRow; col++ {
			seats = append(seats, Seat{
				ID:         uuid.New(),
				ShowtimeID: showtimeID,
				Row:        row,
				Column:     col,
				Class:      class,
				Status:     SeatAvailable,
			})
		}
	}
	return seats
}
