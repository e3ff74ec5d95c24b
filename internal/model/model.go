// Package model defines the entities exchanged with the PetBnB backend and
// the local view state derived from them.
package model

import (
	"fmt"
	"time"
)

// Tokens is the persisted credential pair. An empty AccessToken means logged out.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// Empty reports whether no access token is held.
func (t Tokens) Empty() bool { return t.AccessToken == "" }

// UserType is the account role.
type UserType string

const (
	PetOwner  UserType = "petowner"
	Caregiver UserType = "caregiver"
	Staff     UserType = "staff"
)

// User is the server-confirmed identity. Held in memory only.
type User struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	UserType    UserType `json:"user_type"`
	Bio         string   `json:"bio,omitempty"`
	City        string   `json:"city,omitempty"`
	District    string   `json:"district,omitempty"`
	PhoneNumber string   `json:"phone_number,omitempty"`
	BirthDate   Date     `json:"birth_date"`
}

// IsCaregiver reports whether the user can make offers.
func (u *User) IsCaregiver() bool { return u != nil && u.UserType == Caregiver }

// IsPetOwner reports whether the user can post requests.
func (u *User) IsPetOwner() bool { return u != nil && u.UserType == PetOwner }

// DisplayName mirrors the backend: username, else the local part of the email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	for i := 0; i < len(u.Email); i++ {
		if u.Email[i] == '@' {
			return u.Email[:i]
		}
	}
	return u.Email
}

// ServiceRequest is a pet owner's posting.
type ServiceRequest struct {
	ID                 int64     `json:"id"`
	Owner              int64     `json:"owner"`
	OwnerDisplayName   string    `json:"owner_display_name"`
	PetType            string    `json:"pet_type"`
	PetBreed           string    `json:"pet_breed"`
	StartDate          Date      `json:"start_date"`
	EndDate            Date      `json:"end_date"`
	Location           string    `json:"location"`
	Description        string    `json:"description"`
	IsActive           bool      `json:"is_active"`
	PendingOffersCount int       `json:"pending_offers_count"`
	TotalOffersCount   int       `json:"total_offers_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// OwnedBy reports whether u posted the request.
func (r ServiceRequest) OwnedBy(u *User) bool { return u != nil && r.Owner == u.ID }

// OfferStatus is the backend-maintained state of an offer.
type OfferStatus string

const (
	OfferPending         OfferStatus = "pending"
	OfferAccepted        OfferStatus = "accepted"
	OfferRejected        OfferStatus = "rejected"
	OfferRequestInactive OfferStatus = "request_inactive"
)

// ServiceOffer is a caregiver's priced response to a request.
type ServiceOffer struct {
	ID                int64       `json:"id"`
	ServiceRequest    int64       `json:"service_request"`
	Caregiver         int64       `json:"caregiver"`
	CaregiverUsername string      `json:"caregiver_username,omitempty"`
	Price             Price       `json:"price"`
	Message           string      `json:"message"`
	Status            OfferStatus `json:"status,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Editable reports whether the backend still accepts updates to the offer.
func (o ServiceOffer) Editable() bool {
	return o.Status == "" || o.Status == OfferPending || o.Status == OfferRejected
}

// SortKey selects the date field the projection is ordered by.
type SortKey string

const (
	SortByStartDate SortKey = "startDate"
	SortByEndDate   SortKey = "endDate"
)

// ParseSortKey validates a sort key; empty selects the start date.
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(s) {
	case "", SortByStartDate:
		return SortByStartDate, nil
	case SortByEndDate:
		return SortByEndDate, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// FilterCriteria constrains the projection. Zero fields impose nothing.
type FilterCriteria struct {
	PetType   string
	Location  string
	StartDate Date
	EndDate   Date
}

// PetTypes lists the pet types the request form offers.
var PetTypes = []string{"Cat", "Dog", "Bird", "Fish", "Turtle", "Hamster"}

// RequestFields is the create-request form.
type RequestFields struct {
	PetType     string `json:"pet_type" validate:"required,oneof=Cat Dog Bird Fish Turtle Hamster"`
	PetBreed    string `json:"pet_breed" validate:"required_if=PetType Dog"`
	StartDate   Date   `json:"start_date"`
	EndDate     Date   `json:"end_date"`
	Location    string `json:"location" validate:"required"`
	Description string `json:"description" validate:"required"`
}

// OfferValues is the make/update-offer form.
type OfferValues struct {
	Price   Price  `json:"price" validate:"min=1"`
	Message string `json:"message" validate:"min=10,max=500"`
}

// OfferPayload is the body of offer create and update calls.
type OfferPayload struct {
	Price          Price  `json:"price"`
	Message        string `json:"message"`
	Caregiver      int64  `json:"caregiver"`
	ServiceRequest int64  `json:"service_request"`
}

// Registration is the sign-up form.
type Registration struct {
	Email      string   `json:"email" validate:"required,email"`
	Username   string   `json:"username" validate:"required"`
	Password   string   `json:"password" validate:"required,min=8,hasletter,hasdigit"`
	RePassword string   `json:"re_password" validate:"required,eqfield=Password"`
	UserType   UserType `json:"user_type" validate:"required,oneof=petowner caregiver"`
}

// Credentials is the login form.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
