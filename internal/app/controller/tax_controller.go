package controller

import (
	"net/http"
	"strconv"

	"github.com/facturapp/factura-backend/internal/app/service"
	apperrors "github.com/facturapp/factura-backend/internal/errors"
	"github.com/facturapp/factura-backend/pkg/tax"
	"github.com/gin-gonic/gin"
)

type TaxController struct{}

func NewTaxController() *TaxController {
	return &TaxController{}
}

// GetRates lists the selectable VAT rates
// GET /api/v1/tax/rates
func (ctrl *TaxController) GetRates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rates": tax.Rates(),
	})
}

// Preview computes the breakdown the form shows while typing
// GET /api/v1/tax/preview?base=1234,56&rate=21
func (ctrl *TaxController) Preview(c *gin.Context) {
	base, err := tax.ParseAmount(c.Query("base"))
	if err != nil {
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "La base imponible no es un importe válido.")
		return
	}

	percent, err := strconv.Atoi(c.DefaultQuery("rate", "0"))
	if err != nil {
		apperrors.BadRequest(c, apperrors.ValidationInvalidRate, service.MsgInvalidRate)
		return
	}
	rate, err := tax.ParseRate(percent)
	if err != nil {
		apperrors.BadRequest(c, apperrors.ValidationInvalidRate, service.MsgInvalidRate)
		return
	}

	breakdown := tax.Compute(base, rate)
	c.JSON(http.StatusOK, gin.H{
		"rate":         rate,
		"taxable_base": breakdown.Base,
		"tax_amount":   breakdown.Tax,
		"total":        breakdown.Total,
		"formatted": gin.H{
			"taxable_base": tax.FormatAmount(breakdown.Base),
			"tax_amount":   tax.FormatAmount(breakdown.Tax),
			"total":        tax.FormatAmount(breakdown.Total),
		},
	})
}
