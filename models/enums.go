package models

type UserRole string

const (
	UserRoleCitizen UserRole = "citizen"
	UserRoleAdmin   UserRole = "admin"
)

type Department string

const (
	DepartmentPublicWorks     Department = "public_works"
	DepartmentWaterSupply     Department = "water_supply"
	DepartmentWasteManagement Department = "waste_management"
	DepartmentElectricity     Department = "electricity"
)

func (d Department) IsValid() bool {
	switch d {
	case DepartmentPublicWorks, DepartmentWaterSupply, DepartmentWasteManagement, DepartmentElectricity:
		return true
	}
	return false
}

type TaskType string

const (
	TaskTypeRecycling    TaskType = "recycling"
	TaskTypeConservation TaskType = "conservation"
	TaskTypeCommunity    TaskType = "community"
	TaskTypeMisc         TaskType = "misc"
)

// Label is the display name shown to citizens.
func (t TaskType) Label() string {
	switch t {
	case TaskTypeRecycling:
		return "Recycling & Waste Management"
	case TaskTypeConservation:
		return "Environmental Conservation"
	case TaskTypeCommunity:
		return "Community Engagement"
	default:
		return "Miscellaneous"
	}
}

type SubmissionKind string

const (
	SubmissionKindIssue SubmissionKind = "issue"
	SubmissionKindTask  SubmissionKind = "task"
)

type SubmissionStatus string

const (
	SubmissionStatusPending  SubmissionStatus = "pending"
	SubmissionStatusVerified SubmissionStatus = "verified"
	SubmissionStatusRejected SubmissionStatus = "rejected"
)

// IssueStatus is the admin triage lifecycle, separate from verification status.
type IssueStatus string

const (
	IssueStatusPending    IssueStatus = "pending"
	IssueStatusInProgress IssueStatus = "in_progress"
	IssueStatusResolved   IssueStatus = "resolved"
)

func (s IssueStatus) IsValid() bool {
	return s == IssueStatusPending || s == IssueStatusInProgress || s == IssueStatusResolved
}

type OfferType string

const (
	OfferTypeShopOffer   OfferType = "shop_offer"
	OfferTypeDonorGift   OfferType = "donor_gift"
	OfferTypeEventTicket OfferType = "event_ticket"
	OfferTypeEcoReward   OfferType = "eco_reward"
)

type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "pending"
	RedemptionStatusCompleted RedemptionStatus = "completed"
	RedemptionStatusCancelled RedemptionStatus = "cancelled"
)
