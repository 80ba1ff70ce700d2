package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/cart"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/events"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/metrics"
	"heladeria/backend/internal/payment"
	"heladeria/backend/internal/recommendation"
	"heladeria/backend/internal/rounding"
	"heladeria/backend/internal/store"
	"heladeria/backend/internal/xid"
)

const (
	stockErrorMessage     = "Stock validation failed"
	paymentWarningPrefix  = "Pago no disponible: "
	checkoutFailedMessage = "No se pudo completar el pedido"
)

// Checkout turns a cart into a committed sale. Both the webshop and the
// point of sale go through here; they differ only in channel defaults.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	started := s.now()
	resp, outcome, err := s.checkout(ctx, req)
	s.metrics.ObserveCheckout(req.Channel, outcome, s.now().Sub(started))
	return resp, err
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, string, error) {
	if err := normalizeCheckout(&req); err != nil {
		return domain.CheckoutResponse{}, metrics.OutcomeValidation, err
	}
	ctx = s.log.WithStoreID(ctx, req.StoreID)

	// A stored cart is cleared after its sale, so a retry must be answered
	// from the key before the cart is read.
	prior, err := s.guard.CheckOrRegister(ctx, req.StoreID, req.IdempotencyKey)
	if err != nil {
		s.log.Warn(ctx, "idempotency lookup failed", err)
	} else if prior != nil {
		return replayResponse(*prior), metrics.OutcomeDuplicate, nil
	}

	lines, err := s.checkoutLines(ctx, req)
	if err != nil {
		return domain.CheckoutResponse{}, metrics.OutcomeFailed, err
	}
	if len(lines) == 0 {
		return domain.CheckoutResponse{}, metrics.OutcomeEmptyCart, apperr.New(apperr.CodeEmptyCart, "El carrito está vacío")
	}
	if err := validateDelivery(req); err != nil {
		return domain.CheckoutResponse{}, metrics.OutcomeValidation, err
	}

	if _, err := s.repo.GetStore(ctx, req.StoreID); err != nil {
		return domain.CheckoutResponse{}, metrics.OutcomeValidation, mapStoreError(err, "Sucursal no encontrada")
	}

	items := domain.CartItems(lines)
	products, err := s.repo.GetProductsByIDs(ctx, referencedProductIDs(lines))
	if err != nil {
		return domain.CheckoutResponse{}, metrics.OutcomeFailed, apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	}

	if err := validateCatalog(items, products); err != nil {
		return domain.CheckoutResponse{}, outcomeFor(err), err
	}

	resolved, err := cart.Resolve(items, products, cart.ModeCheckout)
	if err != nil {
		var notFound *cart.ProductNotFoundError
		switch {
		case errors.As(err, &notFound):
			return domain.CheckoutResponse{}, metrics.OutcomeProductNotFound, productNotFound(notFound.ProductID)
		case errors.Is(err, cart.ErrSplitTooFine):
			return domain.CheckoutResponse{}, metrics.OutcomeValidation, apperr.Wrap(apperr.CodeValidation, err, "Demasiados sabores para el formato")
		}
		return domain.CheckoutResponse{}, metrics.OutcomeFailed, apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	}

	deductions, err := s.deductionsFor(ctx, req.StoreID, resolved, products)
	if err != nil {
		return domain.CheckoutResponse{}, outcomeFor(err), err
	}
	if len(deductions) > 0 && !ledger.Validate(deductions) {
		return domain.CheckoutResponse{}, metrics.OutcomeValidation, apperr.New(apperr.CodeValidation, "Cantidades de stock inválidas")
	}

	draft := store.CheckoutDraft{
		StoreID:        req.StoreID,
		IdempotencyKey: req.IdempotencyKey,
		Channel:        req.Channel,
		PaymentMethod:  req.PaymentMethod,
		PaymentStatus:  initialPaymentStatus(req.Channel, req.PaymentMethod),
		Deductions:     deductions,
		CreatedAt:      s.now(),
	}
	draft.Items, draft.TotalAmount = priceItems(items, products)

	if req.Delivery != nil {
		draft.Delivery = &store.DeliveryDraft{Address: addressFromDelivery(*req.Delivery), Source: orderSource(req.Channel)}
	}
	if req.Register != nil {
		user, err := webUserFromRegistration(*req.Register, req.Delivery)
		if err != nil {
			return domain.CheckoutResponse{}, metrics.OutcomeFailed, apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
		}
		draft.WebUser = user
	}

	txCtx, cancel := context.WithTimeout(ctx, s.checkoutTimeout)
	result, err := s.repo.CreateCheckout(txCtx, draft)
	cancel()
	if err != nil {
		err = s.checkoutError(ctx, req.StoreID, err, resolved.FlavorItems, products)
		return domain.CheckoutResponse{}, outcomeFor(err), err
	}
	if result.Duplicate {
		return replayResponse(result.Sale), metrics.OutcomeDuplicate, nil
	}

	sale := result.Sale
	if err := s.guard.Remember(ctx, req.StoreID, req.IdempotencyKey, sale.ID); err != nil {
		s.log.Warn(ctx, "idempotency cache write failed", err)
	}
	s.metrics.AddDeductedKG(sumDecimals(resolved.Flavors))
	s.alternatives.Invalidate(ctx, req.StoreID)

	resp := domain.CheckoutResponse{OrderID: sale.ID, OrderNumber: sale.OrderNumber}
	if payment.RequiresLink(req.PaymentMethod) {
		link, warning := s.requestPayment(ctx, sale, req)
		resp.PaymentLink = link
		resp.Warning = warning
	}

	s.publishSale(ctx, sale)
	if req.CartID != "" {
		if err := s.carts.Clear(ctx, req.CartID); err != nil {
			s.log.Warn(ctx, "cart clear failed", err)
		}
	}

	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"sale_id":      sale.ID,
		"order_number": sale.OrderNumber,
		"channel":      sale.Channel,
	}), "checkout completed")
	return resp, metrics.OutcomeSuccess, nil
}

func normalizeCheckout(req *domain.CheckoutRequest) error {
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	if req.Channel == "" {
		req.Channel = domain.ChannelPOS
	}
	if req.Channel != domain.ChannelPOS && req.Channel != domain.ChannelWebshop {
		return apperr.New(apperr.CodeValidation, "canal desconocido")
	}
	if req.StoreID < 1 {
		return apperr.New(apperr.CodeValidation, "store_id es obligatorio")
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		if req.Channel == domain.ChannelWebshop {
			req.PaymentMethod = domain.PaymentMethodMercadoPago
		} else {
			req.PaymentMethod = domain.PaymentMethodCash
		}
	}
	switch req.PaymentMethod {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer,
		domain.PaymentMethodMercadoPago, domain.PaymentMethodOnline:
	default:
		return apperr.New(apperr.CodeValidation, "método de pago inválido")
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	return nil
}

// validateCatalog requires every sold product to be active and every flavor
// reference to be an active product of the flavor category.
func validateCatalog(items []domain.CartItem, products map[int64]domain.Product) error {
	for _, item := range items {
		header := item.Header()
		product, ok := products[header.ProductID]
		if !ok || !product.Active {
			return productNotFound(header.ProductID)
		}
		flavored, ok := item.(domain.FlavoredItem)
		if !ok {
			continue
		}
		if err := cart.ValidateFlavorSelection(product, len(flavored.Flavors)); err != nil {
			return apperr.Wrap(apperr.CodeValidation, err, err.Error())
		}
		for _, ref := range flavored.Flavors {
			flavor, ok := products[ref.ID]
			if !ok || !flavor.Active || flavor.Category != domain.FlavorCategory {
				return apperr.New(apperr.CodeValidation, fmt.Sprintf("Sabor %d no disponible", ref.ID)).
					WithDetails(map[string]int64{"product_id": header.ProductID, "flavor_id": ref.ID})
			}
		}
	}
	return nil
}

func productNotFound(productID int64) error {
	return apperr.New(apperr.CodeProductNotFound, "Producto no encontrado en carrito").
		WithDetails(map[string]int64{"product_id": productID})
}

func validateDelivery(req domain.CheckoutRequest) error {
	if req.Channel == domain.ChannelWebshop && req.Delivery == nil {
		return apperr.New(apperr.CodeValidation, "Los datos de entrega son obligatorios")
	}
	if req.Register != nil && req.Delivery == nil {
		return apperr.New(apperr.CodeValidation, "El registro requiere datos de entrega")
	}
	return nil
}

func (s *Service) checkoutLines(ctx context.Context, req domain.CheckoutRequest) ([]domain.CartLine, error) {
	if len(req.Lines) > 0 || req.CartID == "" {
		return req.Lines, nil
	}
	lines, err := s.carts.Get(ctx, req.CartID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	}
	return lines, nil
}

// deductionsFor merges flavor kilograms with packaging units. A packaging
// product missing from the catalog is reported as a shortage together with
// every other product short right now; the transaction re-checks under lock.
func (s *Service) deductionsFor(ctx context.Context, storeID int64, resolved cart.Requirements, products map[int64]domain.Product) (ledger.Requirements, error) {
	deductions := ledger.Requirements{}
	deductions.Merge(resolved.Flavors)
	if len(resolved.Packaging) == 0 {
		return deductions, nil
	}

	names := make([]string, 0, len(resolved.Packaging))
	for name := range resolved.Packaging {
		names = append(names, name)
	}
	sort.Strings(names)

	packaging, err := s.repo.FindProductsByNames(ctx, names)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	}

	var missing []domain.Shortage
	for _, name := range names {
		units := decimal.NewFromInt(int64(resolved.Packaging[name]))
		product, ok := packaging[name]
		if !ok {
			missing = append(missing, domain.Shortage{ProductName: name, Available: decimal.Zero, Required: units})
			continue
		}
		products[product.ID] = product
		deductions[product.ID] = rounding.Add(deductions[product.ID], units)
	}
	if len(missing) == 0 {
		return deductions, nil
	}

	available, err := s.repo.GetStockMap(ctx, storeID, deductions.ProductIDs())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	}
	shortages := nameShortages(ledger.Check(deductions, available), products)
	shortages = append(shortages, missing...)
	return nil, s.stockError(ctx, storeID, shortages, resolved.FlavorItems, products)
}

func (s *Service) checkoutError(ctx context.Context, storeID int64, err error, flavorItems map[int64][]int, products map[int64]domain.Product) error {
	var shortage *store.ShortageError
	switch {
	case errors.As(err, &shortage):
		return s.stockError(ctx, storeID, nameShortages(shortage.Shortages, products), flavorItems, products)
	case errors.Is(err, store.ErrEmailTaken):
		return apperr.Wrap(apperr.CodeValidation, err, "El email ya está registrado")
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Error(ctx, "checkout timed out", err)
		return apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	default:
		s.log.Error(ctx, "checkout transaction failed", err)
		return apperr.Wrap(apperr.CodeCheckoutFailed, err, checkoutFailedMessage)
	}
}

// stockError builds the 400 body: one line per shortage plus replacement
// flavors for every short flavor.
func (s *Service) stockError(ctx context.Context, storeID int64, shortages []domain.Shortage, flavorItems map[int64][]int, products map[int64]domain.Product) error {
	details := make([]string, 0, len(shortages))
	var missing []recommendation.Missing
	for _, sh := range shortages {
		details = append(details, sh.String())
		if refs, ok := flavorItems[sh.ProductID]; ok && sh.ProductID > 0 {
			missing = append(missing, recommendation.Missing{
				FlavorID:    sh.ProductID,
				FlavorName:  flavorName(sh, products),
				ItemIndices: refs,
			})
		}
	}

	suggestions, err := s.alternatives.Suggest(ctx, storeID, missing)
	if err != nil {
		s.log.Warn(ctx, "flavor alternatives unavailable", err)
		suggestions = nil
	}

	return apperr.New(apperr.CodeInsufficientStock, stockErrorMessage).WithDetails(domain.StockErrorResponse{
		Error:       stockErrorMessage,
		Details:     details,
		Items:       shortages,
		Suggestions: suggestions,
	})
}

func (s *Service) requestPayment(ctx context.Context, sale domain.Sale, req domain.CheckoutRequest) (link string, warning string) {
	payCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.paymentTimeout)
	defer cancel()

	prefReq := payment.PreferenceRequest{
		SaleID:      sale.ID,
		OrderNumber: sale.OrderNumber,
		Total:       sale.TotalAmount,
	}
	if req.Register != nil {
		prefReq.PayerEmail = req.Register.Email
	}

	pref, err := s.payments.CreatePreference(payCtx, prefReq)
	if err != nil {
		s.metrics.IncPaymentFailure()
		s.log.Warn(ctx, "payment link unavailable", err)
		return "", paymentWarningPrefix + err.Error()
	}

	if err := s.repo.AttachPayment(payCtx, sale.ID, store.PaymentUpdate{
		PreferenceID: pref.ID,
		PaymentLink:  pref.PaymentLink,
	}); err != nil {
		s.log.Warn(ctx, "payment link not persisted", err)
	}
	return pref.PaymentLink, ""
}

func (s *Service) publishSale(ctx context.Context, sale domain.Sale) {
	event := events.SaleCompleted{
		EventID:       xid.New("evt"),
		Type:          events.TypeSaleCompleted,
		SaleID:        sale.ID,
		StoreID:       sale.StoreID,
		OrderNumber:   sale.OrderNumber,
		Channel:       sale.Channel,
		TotalAmount:   sale.TotalAmount,
		PaymentMethod: sale.PaymentMethod,
		PaymentStatus: sale.PaymentStatus,
		IsDelivery:    sale.IsDelivery,
		Timestamp:     s.now(),
	}
	for _, item := range sale.Items {
		event.Items = append(event.Items, events.SaleItem{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			TotalPrice: item.TotalPrice,
			Flavors:    item.Flavors,
		})
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.paymentTimeout)
	defer cancel()
	if err := s.events.PublishSaleCompleted(pubCtx, event); err != nil {
		s.log.Warn(ctx, "sale event not published", err)
	}
}

// priceItems prices every line from the catalog. Line totals round half to
// even and the sale total is their sum, so the two always agree.
func priceItems(items []domain.CartItem, products map[int64]domain.Product) ([]domain.SaleItem, decimal.Decimal) {
	out := make([]domain.SaleItem, 0, len(items))
	total := decimal.Zero
	for _, item := range items {
		header := item.Header()
		unit := products[header.ProductID].Price
		qty := header.Quantity()
		line := rounding.Bank(unit.Mul(decimal.NewFromInt(int64(qty))))
		total = total.Add(line)
		out = append(out, domain.SaleItem{
			ProductID:  header.ProductID,
			Quantity:   qty,
			UnitPrice:  unit,
			TotalPrice: line,
			Flavors:    domain.FlavorsJSON(item),
		})
	}
	return out, total
}

func initialPaymentStatus(channel string, method string) string {
	if channel == domain.ChannelPOS && method == domain.PaymentMethodCash {
		return domain.PaymentStatusCompleted
	}
	return domain.PaymentStatusPending
}

func orderSource(channel string) string {
	if channel == domain.ChannelWebshop {
		return domain.OrderSourceWebshop
	}
	return domain.OrderSourcePOS
}

func addressFromDelivery(d domain.DeliveryInfo) domain.DeliveryAddress {
	return domain.DeliveryAddress{
		CustomerName: strings.TrimSpace(d.CustomerName()),
		Phone:        strings.TrimSpace(d.Phone),
		Address:      strings.TrimSpace(d.Address),
		Landmark:     strings.TrimSpace(d.Landmark),
		Notes:        strings.TrimSpace(d.Instructions),
		Latitude:     d.Latitude,
		Longitude:    d.Longitude,
	}
}

func webUserFromRegistration(reg domain.Registration, d *domain.DeliveryInfo) (*domain.WebUser, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &domain.WebUser{
		Email:        strings.ToLower(strings.TrimSpace(reg.Email)),
		PasswordHash: string(hash),
	}
	if d != nil {
		user.FirstName = strings.TrimSpace(d.FirstName)
		user.LastName = strings.TrimSpace(d.LastName)
		user.Phone = strings.TrimSpace(d.Phone)
		user.Address = strings.TrimSpace(d.Address)
	}
	return user, nil
}

func replayResponse(sale domain.Sale) domain.CheckoutResponse {
	return domain.CheckoutResponse{OrderID: sale.ID, OrderNumber: sale.OrderNumber, PaymentLink: sale.PaymentLink}
}

// referencedProductIDs returns item products and flavors, so one lookup
// serves both pricing and shortage names.
func referencedProductIDs(lines []domain.CartLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	add := func(id int64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, line := range lines {
		add(line.ProductID)
		for _, f := range line.Flavors {
			add(f.ID)
		}
	}
	return ids
}

func nameShortages(shortages []domain.Shortage, products map[int64]domain.Product) []domain.Shortage {
	for i := range shortages {
		if shortages[i].ProductName == "" {
			shortages[i].ProductName = products[shortages[i].ProductID].Name
		}
	}
	return shortages
}

func flavorName(sh domain.Shortage, products map[int64]domain.Product) string {
	if sh.ProductName != "" {
		return sh.ProductName
	}
	return products[sh.ProductID].Name
}

func sumDecimals(amounts ledger.Requirements) decimal.Decimal {
	total := decimal.Zero
	for _, v := range amounts {
		total = total.Add(v)
	}
	return total
}

func outcomeFor(err error) string {
	switch apperr.As(err).Code() {
	case apperr.CodeInsufficientStock:
		return metrics.OutcomeInsufficientStock
	case apperr.CodeEmptyCart:
		return metrics.OutcomeEmptyCart
	case apperr.CodeProductNotFound:
		return metrics.OutcomeProductNotFound
	case apperr.CodeValidation:
		return metrics.OutcomeValidation
	default:
		return metrics.OutcomeFailed
	}
}
