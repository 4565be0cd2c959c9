package migration

import (
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	customerdomain "github.com/smallbiznis/subledger/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"gorm.io/gorm"
)

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&appdomain.App{},
		&plandomain.Plan{},
		&customerdomain.Customer{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&paymentdomain.Transaction{},
		&webhookdomain.Endpoint{},
		&webhookdomain.Delivery{},
	)
}
