package domain

import "fmt"

// Cents is a monetary amount in hundredths of a dollar. Balances,
// transactions and charges are fixed-point with two decimal places.
type Cents int64

// MicroUSD is a monetary amount in millionths of a dollar. Plan hourly
// rates need sub-cent precision ($0.0250/hr and the like).
type MicroUSD int64

const microsPerCent = 10_000

// String renders the amount as a dollar figure.
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// Micros converts the amount to micro-dollars.
func (c Cents) Micros() MicroUSD {
	return MicroUSD(int64(c) * microsPerCent)
}

// Cents truncates the amount to whole cents.
func (m MicroUSD) Cents() Cents {
	return Cents(int64(m) / microsPerCent)
}

// String renders the amount as a dollar figure with four decimal places.
func (m MicroUSD) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%04d", sign, v/1_000_000, (v%1_000_000)/100)
}

// CentsForHours returns the whole-cent cost of running at this hourly rate
// for the given number of hours.
func (m MicroUSD) CentsForHours(hours int) Cents {
	return (m * MicroUSD(hours)).Cents()
}
