package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// LocalDate — календарная дата без времени и зоны. Бизнес-семантика
// timeline работает на дневной гранулярности: события сравниваются по
// дате в таймзоне аккаунта, а не по исходному моменту.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// NewLocalDate создаёт дату из компонентов.
func NewLocalDate(year int, month time.Month, day int) LocalDate {
	return LocalDate{Year: year, Month: month, Day: day}
}

// LocalDateOf конвертирует абсолютный момент в календарную дату в
// заданной зоне. Nil-зона трактуется как UTC.
func LocalDateOf(instant time.Time, loc *time.Location) LocalDate {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := instant.In(loc).Date()
	return LocalDate{Year: y, Month: m, Day: d}
}

// Compare возвращает -1/0/+1 в хронологическом порядке.
func (d LocalDate) Compare(other LocalDate) int {
	switch {
	case d.Year != other.Year:
		return sign(d.Year - other.Year)
	case d.Month != other.Month:
		return sign(int(d.Month) - int(other.Month))
	default:
		return sign(d.Day - other.Day)
	}
}

// Before сообщает, что d строго раньше other.
func (d LocalDate) Before(other LocalDate) bool { return d.Compare(other) < 0 }

// After сообщает, что d строго позже other.
func (d LocalDate) After(other LocalDate) bool { return d.Compare(other) > 0 }

// IsZero сообщает, что дата не заполнена.
func (d LocalDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// AddDays возвращает дату, сдвинутую на n дней (нормализуя переносы).
func (d LocalDate) AddDays(n int) LocalDate {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	y, m, day := t.Date()
	return LocalDate{Year: y, Month: m, Day: day}
}

// String форматирует дату как YYYY-MM-DD.
func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON сериализует дату строкой YYYY-MM-DD.
func (d LocalDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON разбирает строку YYYY-MM-DD.
func (d *LocalDate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseLocalDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseLocalDate разбирает строку формата YYYY-MM-DD.
func ParseLocalDate(raw string) (LocalDate, error) {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return LocalDate{}, fmt.Errorf("parse local date %q: %w", raw, err)
	}
	y, m, d := t.Date()
	return LocalDate{Year: y, Month: m, Day: d}, nil
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}
